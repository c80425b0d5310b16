package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"runtime/pprof"

	"github.com/gonum/floats"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fumin/zoneout"
	"github.com/fumin/zoneout/copytask"
	"github.com/fumin/zoneout/internal/logger"
	"github.com/fumin/zoneout/ngram"
)

var (
	task        = flag.String("task", "ngram", "input generator: ngram or copy")
	numLayers   = flag.Int("layers", 2, "number of stacked LSTM layers")
	numHidden   = flag.Int("hidden", 32, "width of the cell and hidden state")
	seqLen      = flag.Int("seqLen", 50, "timesteps per unroll for the ngram task")
	copySize    = flag.Int("copySize", 10, "vectors to copy for the copy task")
	vectorSize  = flag.Int("vectorSize", 8, "bits per vector for the copy task")
	batch       = flag.Int("batch", 4, "sequences per batch")
	dropout     = flag.Float64("dropout", 0, "inter-layer and output dropout rate")
	cZoneout    = flag.Float64("cZoneout", 0.5, "zoneout rate of the cell state")
	hZoneout    = flag.Float64("hZoneout", 0.05, "zoneout rate of the hidden state")
	train       = flag.Bool("train", true, "enable the stochastic dropout and zoneout paths")
	iterations  = flag.Int("iterations", 10, "number of batches to unroll")
	seed        = flag.Int64("seed", 5, "random seed for weights, data and masks")
	weightsFile = flag.String("weightsFile", "", "weights in JSON; random weights if empty")
	saveWeights = flag.String("saveWeights", "", "write the weights used to this JSON file")
	port        = flag.Int("port", 0, "serve /Weights, /Outputs and /metrics on this port")
	logLevel    = flag.String("logLevel", "info", "debug, info, warn or error")
	logFormat   = flag.String("logFormat", "console", "console or json")
	cpuprofile  = flag.String("cpuprofile", "", "write cpu profile to file")

	weightsChan = make(chan chan []byte)
	outputsChan = make(chan chan [][]float64)
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal("create cpu profile", "err", err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if *port > 0 {
		http.HandleFunc("/Weights", func(w http.ResponseWriter, r *http.Request) {
			c := make(chan []byte)
			weightsChan <- c
			w.Write(<-c)
		})
		http.HandleFunc("/Outputs", func(w http.ResponseWriter, r *http.Request) {
			c := make(chan [][]float64)
			outputsChan <- c
			json.NewEncoder(w).Encode(<-c)
		})
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("listening", "port", *port)
			if err := http.ListenAndServe(fmt.Sprintf(":%d", *port), nil); err != nil {
				log.Fatal("serve", "err", err)
			}
		}()
	}

	r := rand.New(rand.NewSource(*seed))
	log.Info("starting", "seed", *seed, "task", *task)

	gen, inputSize, steps, err := newGenerator(r)
	if err != nil {
		log.Fatal("generator", "err", err)
	}
	c := zoneout.Config{
		NumLayers: *numLayers,
		SeqLen:    steps,
		NumHidden: *numHidden,
		InputSize: inputSize,
		Dropout:   *dropout,
		CZoneout:  *cZoneout,
		HZoneout:  *hZoneout,
		Train:     *train,
	}
	if err := c.Validate(); err != nil {
		log.Fatal("config", "err", err)
	}

	params := zoneout.NewParamsFor(c)
	if *weightsFile != "" {
		if err := params.SetWeightsVal(weightsFromFile(*weightsFile)); err != nil {
			log.Fatal("load weights", "file", *weightsFile, "err", err)
		}
	} else {
		params.Weights(func(_ string, t *zoneout.Tensor) {
			for i := range t.Val {
				t.Val[i] = 1 * (r.Float64() - 0.5)
			}
		})
	}
	log.Info("model", "numweights", params.NumWeights(), "layers", c.NumLayers, "hidden", c.NumHidden)
	if *saveWeights != "" {
		if err := writeWeights(*saveWeights, params); err != nil {
			log.Fatal("save weights", "file", *saveWeights, "err", err)
		}
	}

	masks := zoneout.NewRandMasks(*seed)
	var states []zoneout.State
	var outputs [][]float64
	for i := 1; i <= *iterations; i++ {
		seq, err := gen()
		if err != nil {
			log.Fatal("sequence", "err", err)
		}
		// ngram batches continue the previous batch, so carry the states over.
		if *task != "ngram" {
			states = nil
		}
		u, err := zoneout.Unroll(c, params, seq, states, masks)
		if err != nil {
			log.Fatal("unroll", "err", err)
		}
		states = zoneout.CopyStates(u.LastStates)
		outputs = u.OutputVals()
		log.Info("unrolled", "iteration", i, "seq_len", len(outputs), "mean_norm", meanNorm(outputs))
		log.Debug("outputs", "values", zoneout.Sprint2(outputs))

		handleHTTP(params, outputs, false)
	}

	if *port > 0 {
		for {
			handleHTTP(params, outputs, true)
		}
	}
}

// newGenerator returns a function drawing time-major batches for the selected task,
// with the input width and the number of timesteps of each batch.
func newGenerator(r *rand.Rand) (func() ([]*zoneout.Tensor, error), int, int, error) {
	switch *task {
	case "ngram":
		prob := ngram.GenProb(r, 5)
		return func() ([]*zoneout.Tensor, error) {
			x, _ := ngram.GenBatch(r, prob, *seqLen, *batch)
			return zoneout.SliceSequence(x, *seqLen, *batch, 1)
		}, 1, *seqLen, nil
	case "copy":
		steps := copytask.SeqLen(*copySize)
		in := copytask.InputSize(*vectorSize)
		return func() ([]*zoneout.Tensor, error) {
			x, _ := copytask.GenBatch(r, *copySize, *vectorSize, *batch)
			return zoneout.SliceSequence(x, steps, *batch, in)
		}, in, steps, nil
	}
	return nil, 0, 0, fmt.Errorf("unknown task %q", *task)
}

func handleHTTP(params *zoneout.Params, outputs [][]float64, block bool) {
	if *port <= 0 {
		return
	}
	if block {
		select {
		case cn := <-weightsChan:
			cn <- marshalWeights(params)
		case cn := <-outputsChan:
			cn <- outputs
		}
		return
	}
	select {
	case cn := <-weightsChan:
		cn <- marshalWeights(params)
	case cn := <-outputsChan:
		cn <- outputs
	default:
	}
}

func marshalWeights(params *zoneout.Params) []byte {
	b, err := json.Marshal(params.WeightsVal())
	if err != nil {
		logger.Log.Fatal("marshal weights", "err", err)
	}
	return b
}

func meanNorm(outputs [][]float64) float64 {
	var sum float64
	for _, o := range outputs {
		sum += floats.Norm(o, 2)
	}
	if len(outputs) == 0 {
		return math.NaN()
	}
	return sum / float64(len(outputs))
}

func weightsFromFile(name string) []float64 {
	f, err := os.Open(name)
	if err != nil {
		logger.Log.Fatal("open weights", "file", name, "err", err)
	}
	defer f.Close()
	ws := make([]float64, 0)
	if err := json.NewDecoder(f).Decode(&ws); err != nil {
		logger.Log.Fatal("decode weights", "file", name, "err", err)
	}
	return ws
}

func writeWeights(name string, params *zoneout.Params) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(params.WeightsVal()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
