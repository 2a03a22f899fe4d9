// Command gencfd-train trains a small denoiser on synthetic lat-lon
// fields end to end: noise injection, EMA tracking, optional mixed
// precision, metric recording to SQLite, and a final checkpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"sort"

	"github.com/google/uuid"

	"gencfd/checkpoints"
	"gencfd/layers"
	"gencfd/optimizer"
	"gencfd/storage"
	"gencfd/tensor"
	"gencfd/training"
)

func main() {
	var (
		steps     = flag.Int("steps", 200, "number of training steps")
		evalSteps = flag.Int("eval-steps", 20, "number of evaluation steps")
		batchSize = flag.Int("batch", 4, "batch size")
		latSize   = flag.Int("lat", 16, "latitude grid points")
		lonSize   = flag.Int("lon", 32, "longitude grid points")
		hidden    = flag.Int("hidden", 8, "hidden channels")
		lr        = flag.Float64("lr", 1e-3, "learning rate")
		emaDecay  = flag.Float64("ema", 0.99, "EMA decay for inference weights")
		mixed     = flag.Bool("mixed", false, "train with loss-scaled mixed precision")
		seed      = flag.Int64("seed", 42, "random seed")
		dbPath    = flag.String("db", "", "SQLite file for metric recording (optional)")
		ckptPath  = flag.String("ckpt", "", "checkpoint output path (optional)")
	)
	flag.Parse()

	if err := run(*steps, *evalSteps, *batchSize, *latSize, *lonSize, *hidden,
		*lr, *emaDecay, *mixed, *seed, *dbPath, *ckptPath); err != nil {
		log.Fatal(err)
	}
}

func run(steps, evalSteps, batchSize, latSize, lonSize, hidden int,
	lr, emaDecay float64, mixed bool, seed int64, dbPath, ckptPath string) error {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(seed))
	runID := uuid.NewString()
	log.Printf("run %s: %d train steps on %dx%d grids, batch %d", runID, steps, latSize, lonSize, batchSize)

	model, err := newGridDenoiser(hidden, rng)
	if err != nil {
		return fmt.Errorf("building model: %v", err)
	}
	// The location-dependent conv allocates its weights on first forward.
	// Run one warm-up pass so every parameter exists before the optimizer
	// and the EMA snapshot capture the parameter set.
	warm, err := newSyntheticFields(1, latSize, lonSize, rng).Next()
	if err != nil {
		return fmt.Errorf("building warm-up batch: %v", err)
	}
	if _, err := model.denoiseAt(warm["x"], 0); err != nil {
		return fmt.Errorf("warm-up forward: %v", err)
	}
	opt, err := optimizer.NewAdam(model.Parameters(), lr, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("building optimizer: %v", err)
	}
	trainer, err := training.NewDenoisingTrainer(model, opt, training.DenoisingConfig{
		EMADecay:         emaDecay,
		ReducedPrecision: mixed,
	})
	if err != nil {
		return fmt.Errorf("building trainer: %v", err)
	}

	cfg := training.RunConfig{RunID: runID}
	if dbPath != "" {
		store := storage.NewSQLiteStore(dbPath)
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("opening metric store: %v", err)
		}
		defer store.Close()
		cfg.Recorder = storage.NewRecorder(store)
		log.Printf("recording metrics to %s", dbPath)
	}

	it := newSyntheticFields(batchSize, latSize, lonSize, rng)

	trainMetrics, err := training.Train(ctx, trainer, it, steps, cfg)
	if err != nil {
		return fmt.Errorf("training: %v", err)
	}
	printMetrics("train", trainMetrics)

	evalMetrics, err := training.Eval(ctx, trainer, it, evalSteps, cfg)
	if err != nil {
		return fmt.Errorf("evaluation: %v", err)
	}
	printMetrics("eval", evalMetrics)

	if ckptPath != "" {
		ckpt, err := checkpoints.FromTrainState(trainer.State(), runID)
		if err != nil {
			return fmt.Errorf("building checkpoint: %v", err)
		}
		if err := checkpoints.Save(ckptPath, ckpt); err != nil {
			return fmt.Errorf("saving checkpoint: %v", err)
		}
		log.Printf("checkpoint written to %s at step %d", ckptPath, trainer.State().Step)
	}
	return nil
}

func printMetrics(phase string, metrics map[string]float64) {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(os.Stdout, "%s metrics:\n", phase)
	for _, name := range names {
		fmt.Fprintf(os.Stdout, "  %-24s %g\n", name, metrics[name])
	}
}

// gridDenoiser predicts the clean field from a noised one. The noise
// level enters as a constant conditioning channel next to the field, so
// the first convolution sees two input channels.
type gridDenoiser struct {
	net         layers.Module
	noiseLevels []float64
	rng         *rand.Rand
}

func newGridDenoiser(hidden int, rng *rand.Rand) (*gridDenoiser, error) {
	in, err := layers.NewConv2D(2, hidden, 3, 3, 1, 1, 0, 0, true, rng)
	if err != nil {
		return nil, err
	}
	inWrapped, err := layers.NewLatLonConv2D(in, 3, 3, layers.OrderLatLon)
	if err != nil {
		return nil, err
	}
	mid, err := layers.NewLocalConv2D(hidden, 3, 3, 1, 1, 0, 0, true, rng)
	if err != nil {
		return nil, err
	}
	midWrapped, err := layers.NewLatLonConv2D(mid, 3, 3, layers.OrderLatLon)
	if err != nil {
		return nil, err
	}
	out, err := layers.NewConv2D(hidden, 1, 3, 3, 1, 1, 0, 0, true, rng)
	if err != nil {
		return nil, err
	}
	outWrapped, err := layers.NewLatLonConv2D(out, 3, 3, layers.OrderLatLon)
	if err != nil {
		return nil, err
	}
	return &gridDenoiser{
		net:         layers.NewSequential(inWrapped, layers.NewReLU(), midWrapped, layers.NewReLU(), outWrapped),
		noiseLevels: []float64{0.1, 0.5, 1.0},
		rng:         rng,
	}, nil
}

func (m *gridDenoiser) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return m.net.Forward(input)
}

func (m *gridDenoiser) Parameters() []*tensor.Tensor { return m.net.Parameters() }

func (m *gridDenoiser) NamedParameters() map[string]*tensor.Tensor {
	return m.net.NamedParameters()
}

func (m *gridDenoiser) Train()           { m.net.Train() }
func (m *gridDenoiser) Eval()            { m.net.Eval() }
func (m *gridDenoiser) IsTraining() bool { return m.net.IsTraining() }

func (m *gridDenoiser) LossFn(batch training.Batch) (*tensor.Tensor, map[string]float64, error) {
	clean, ok := batch["x"]
	if !ok {
		return nil, nil, fmt.Errorf("batch is missing field %q", "x")
	}
	sigma := m.noiseLevels[m.rng.Intn(len(m.noiseLevels))]
	noised, err := addNoise(clean, sigma, m.rng)
	if err != nil {
		return nil, nil, err
	}
	pred, err := m.denoiseAt(noised, sigma)
	if err != nil {
		return nil, nil, err
	}
	loss, err := training.MSELoss(pred, clean)
	if err != nil {
		return nil, nil, err
	}
	return loss, map[string]float64{"sigma": sigma}, nil
}

func (m *gridDenoiser) EvalFn(batch training.Batch) (map[string]float64, error) {
	clean, ok := batch["x"]
	if !ok {
		return nil, fmt.Errorf("batch is missing field %q", "x")
	}
	metrics := make(map[string]float64, len(m.noiseLevels))
	for i, sigma := range m.noiseLevels {
		noised, err := addNoise(clean, sigma, m.rng)
		if err != nil {
			return nil, err
		}
		pred, err := m.denoiseAt(noised, sigma)
		if err != nil {
			return nil, err
		}
		loss, err := training.MSELoss(pred, clean)
		if err != nil {
			return nil, err
		}
		v, err := loss.Item()
		if err != nil {
			return nil, err
		}
		metrics[fmt.Sprintf("denoise_lvl%d", i)] = v
		rel, err := relativeL2(pred, clean)
		if err != nil {
			return nil, err
		}
		metrics[fmt.Sprintf("rel_l2_lvl%d", i)] = rel
	}
	return metrics, nil
}

// relativeL2 is ||pred-truth|| / ||truth||, the usual field-error norm.
func relativeL2(pred, truth *tensor.Tensor) (float64, error) {
	diff, err := tensor.Sub(pred, truth)
	if err != nil {
		return 0, err
	}
	diffSq, err := tensor.Mul(diff, diff)
	if err != nil {
		return 0, err
	}
	truthSq, err := tensor.Mul(truth, truth)
	if err != nil {
		return 0, err
	}
	num, err := tensor.SumAll(diffSq)
	if err != nil {
		return 0, err
	}
	den, err := tensor.SumAll(truthSq)
	if err != nil {
		return 0, err
	}
	ratio, err := tensor.Div(num, den)
	if err != nil {
		return 0, err
	}
	root, err := tensor.Sqrt(ratio)
	if err != nil {
		return 0, err
	}
	return root.Item()
}

func (m *gridDenoiser) Denoise(noised, sigma *tensor.Tensor, cond training.Batch) (*tensor.Tensor, error) {
	v, err := sigma.Item()
	if err != nil {
		return nil, fmt.Errorf("noise level must be a scalar: %v", err)
	}
	return m.denoiseAt(noised, v)
}

// denoiseAt stacks the field with a constant noise-level channel and runs
// the network.
func (m *gridDenoiser) denoiseAt(noised *tensor.Tensor, sigma float64) (*tensor.Tensor, error) {
	if len(noised.Shape) != 4 || noised.Shape[1] != 1 {
		return nil, fmt.Errorf("input must have shape (batch, 1, lat, lon), got %v", noised.Shape)
	}
	b, h, w := noised.Shape[0], noised.Shape[2], noised.Shape[3]
	data, err := noised.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	plane := h * w
	stacked := make([]float32, b*2*plane)
	for n := 0; n < b; n++ {
		copy(stacked[n*2*plane:n*2*plane+plane], data[n*plane:(n+1)*plane])
		level := stacked[n*2*plane+plane : (n+1)*2*plane]
		for i := range level {
			level[i] = float32(sigma)
		}
	}
	input, err := tensor.NewTensor([]int{b, 2, h, w}, tensor.Float32, tensor.CPU, stacked)
	if err != nil {
		return nil, err
	}
	return m.net.Forward(input)
}

// addNoise perturbs the field with Gaussian noise of the given standard
// deviation. The result is a fresh leaf tensor.
func addNoise(clean *tensor.Tensor, sigma float64, rng *rand.Rand) (*tensor.Tensor, error) {
	data, err := clean.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	noised := make([]float32, len(data))
	for i, v := range data {
		noised[i] = v + float32(sigma*rng.NormFloat64())
	}
	return tensor.NewTensor(append([]int(nil), clean.Shape...), tensor.Float32, tensor.CPU, noised)
}

// syntheticFields yields batches of smooth periodic fields, the kind of
// signal a denoiser can actually learn from noise.
type syntheticFields struct {
	batchSize, lat, lon int
	rng                 *rand.Rand
}

func newSyntheticFields(batchSize, lat, lon int, rng *rand.Rand) *syntheticFields {
	return &syntheticFields{batchSize: batchSize, lat: lat, lon: lon, rng: rng}
}

func (s *syntheticFields) Next() (training.Batch, error) {
	data := make([]float32, s.batchSize*s.lat*s.lon)
	for n := 0; n < s.batchSize; n++ {
		amp := 0.5 + s.rng.Float64()
		phaseLat := 2 * math.Pi * s.rng.Float64()
		phaseLon := 2 * math.Pi * s.rng.Float64()
		for i := 0; i < s.lat; i++ {
			for j := 0; j < s.lon; j++ {
				v := amp * math.Sin(2*math.Pi*float64(i)/float64(s.lat)+phaseLat) *
					math.Cos(2*math.Pi*float64(j)/float64(s.lon)+phaseLon)
				data[(n*s.lat+i)*s.lon+j] = float32(v)
			}
		}
	}
	x, err := tensor.NewTensor([]int{s.batchSize, 1, s.lat, s.lon}, tensor.Float32, tensor.CPU, data)
	if err != nil {
		return nil, err
	}
	return training.Batch{"x": x}, nil
}
