package zoneout

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is wrapped by every configuration error.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrShapeMismatch is wrapped by every error about tensor shapes not matching the config.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Config describes a stacked zoneout LSTM unroll.
type Config struct {
	NumLayers int `json:"num_rnn_layer"`
	SeqLen    int `json:"seq_len"`
	NumHidden int `json:"num_hidden"`
	InputSize int `json:"input_size"`

	// Dropout is applied to the input of every layer except the first,
	// and to the top layer output at every timestep.
	Dropout  float64 `json:"dropout"`
	CZoneout float64 `json:"c_zoneout"`
	HZoneout float64 `json:"h_zoneout"`

	// Train enables the stochastic paths. When false, dropout is the identity
	// and zoneout blends new and previous state deterministically by its expected value.
	Train bool `json:"train"`
}

func DefaultConfig() Config {
	return Config{
		NumLayers: 2,
		SeqLen:    32,
		NumHidden: 128,
		InputSize: 1,
		Dropout:   0,
		CZoneout:  0.5,
		HZoneout:  0.05,
		Train:     true,
	}
}

func (c Config) Validate() error {
	if c.NumLayers <= 0 {
		return fmt.Errorf("%w: num_rnn_layer %d (must be positive)", ErrInvalidConfig, c.NumLayers)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("%w: seq_len %d (must be positive)", ErrInvalidConfig, c.SeqLen)
	}
	if c.NumHidden <= 0 {
		return fmt.Errorf("%w: num_hidden %d (must be positive)", ErrInvalidConfig, c.NumHidden)
	}
	if c.InputSize <= 0 {
		return fmt.Errorf("%w: input_size %d (must be positive)", ErrInvalidConfig, c.InputSize)
	}
	if err := validateRate("dropout", c.Dropout); err != nil {
		return err
	}
	if err := validateRate("c_zoneout", c.CZoneout); err != nil {
		return err
	}
	return validateRate("h_zoneout", c.HZoneout)
}

// validateRate accepts rates in [0, 1). A rate of 1 leaves a keep probability
// of 0, for which inverted dropout is undefined.
func validateRate(name string, r float64) error {
	if !(r >= 0 && r < 1) {
		return fmt.Errorf("%w: %s %v (must be in [0, 1))", ErrInvalidConfig, name, r)
	}
	return nil
}

// dropoutRates returns the input dropout rate of each layer.
// The first layer sees raw input and is never dropped.
func (c Config) dropoutRates() []float64 {
	rates := make([]float64, c.NumLayers)
	for i := 1; i < len(rates); i++ {
		rates[i] = c.Dropout
	}
	return rates
}

func (c Config) stochastic() bool {
	return c.Train && (c.Dropout > 0 || c.CZoneout > 0 || c.HZoneout > 0)
}
