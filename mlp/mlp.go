// Package mlp runs batched inference of a two-layer dense classifier on a compute device.
//
// The forward pass is two chained matrix multiplications, input x W1 -> hidden and
// hidden x W2 -> scores, dispatched on one shared mat_mul kernel. The hidden activations
// stay on the device between the two stages. No activation function is applied.
package mlp

import (
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/openfluke/offload/gpu"
	"github.com/openfluke/offload/kernels"
	"github.com/openfluke/offload/model"
)

// Config holds the local work-group shapes of the two stages, as (x, y) = (neurons, samples).
type Config struct {
	HiddenLocal []int
	OutputLocal []int
}

// DefaultConfig tiles the 128 hidden neurons by 32 and the 10 classes by 5, with 10 samples
// per work-group in both stages.
var DefaultConfig = Config{
	HiddenLocal: []int{32, 10},
	OutputLocal: []int{5, 10},
}

// Result holds the class scores of a batch.
type Result struct {
	// Scores is BatchSize x Classes, row-major.
	Scores    []float64
	BatchSize int
	Classes   int

	// Elapsed covers the device work, from the first upload to the end of the download.
	Elapsed time.Duration
	// Stage1 and Stage2 time each dispatch until its completion.
	Stage1, Stage2 time.Duration
	Shapes         [2]gpu.WorkShape
}

// Row returns the scores of sample i.
func (r *Result) Row(i int) []float64 {
	return r.Scores[i*r.Classes : (i+1)*r.Classes]
}

// Predictions returns the predicted class of every sample.
func (r *Result) Predictions() []int {
	preds := make([]int, r.BatchSize)
	for i := range preds {
		preds[i] = Argmax(r.Row(i))
	}
	return preds
}

// Pipeline runs the two-stage forward pass on a session.
type Pipeline struct {
	s      *gpu.Session
	cfg    Config
	prog   *gpu.Program
	kernel *gpu.Kernel
}

// New builds the matmul program and instantiates its kernel. An empty source selects the
// embedded kernels.MatMulSource.
func New(s *gpu.Session, cfg Config, source string) (*Pipeline, error) {
	name := kernels.MatMulFile
	if source == "" {
		source = kernels.MatMulSource
	} else {
		name = "custom " + name
	}
	prog, err := s.Build(name, source)
	if err != nil {
		return nil, err
	}
	return newPipeline(s, cfg, prog)
}

// Load builds the matmul program from a kernel source file.
func Load(s *gpu.Session, cfg Config, path string) (*Pipeline, error) {
	prog, err := s.LoadProgram(path)
	if err != nil {
		return nil, err
	}
	return newPipeline(s, cfg, prog)
}

func newPipeline(s *gpu.Session, cfg Config, prog *gpu.Program) (*Pipeline, error) {
	if len(cfg.HiddenLocal) != 2 || len(cfg.OutputLocal) != 2 {
		prog.Release()
		return nil, errors.Wrapf(gpu.ErrConfig, "stage local shapes %v and %v must be 2-D",
			cfg.HiddenLocal, cfg.OutputLocal)
	}
	k, err := prog.Kernel(kernels.MatMul)
	if err != nil {
		prog.Release()
		return nil, err
	}
	return &Pipeline{s: s, cfg: cfg, prog: prog, kernel: k}, nil
}

// Run computes (batch x W1) x W2 for batchSize samples of m.Inputs features each.
func (p *Pipeline) Run(m *model.Model, batch []float64, batchSize int) (*Result, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if batchSize <= 0 || len(batch) != batchSize*m.Inputs {
		return nil, errors.Errorf("batch has %d values, want %d samples x %d", len(batch), batchSize, m.Inputs)
	}
	n1, n2, n3 := m.Inputs, m.Hidden, m.Outputs

	arena := p.s.NewArena("mlp")
	defer arena.Release()
	in, err := arena.Input("input", gpu.Float64, batchSize*n1)
	if err != nil {
		return nil, err
	}
	w1, err := arena.Input("w1", gpu.Float64, n1*n2)
	if err != nil {
		return nil, err
	}
	w2, err := arena.Input("w2", gpu.Float64, n2*n3)
	if err != nil {
		return nil, err
	}
	hidden, err := arena.Scratch("hidden", gpu.Float64, batchSize*n2)
	if err != nil {
		return nil, err
	}
	out, err := arena.Output("output", gpu.Float64, batchSize*n3)
	if err != nil {
		return nil, err
	}

	res := &Result{Scores: make([]float64, batchSize*n3), BatchSize: batchSize, Classes: n3}
	start := time.Now()
	// The in-order queue runs these before the first dispatch.
	if err := gpu.Upload(in, batch); err != nil {
		return nil, err
	}
	if err := gpu.Upload(w1, m.W1); err != nil {
		return nil, err
	}
	if err := gpu.Upload(w2, m.W2); err != nil {
		return nil, err
	}

	// Stage 1: hidden = input x W1 over (n2, batch).
	if err := p.kernel.Bind(gpu.BufferArg(in), gpu.BufferArg(w1), gpu.BufferArg(hidden), gpu.Int32Arg(int32(n1))); err != nil {
		return nil, err
	}
	t := time.Now()
	ev, err := p.s.Dispatch(p.kernel, []int{n2, batchSize}, p.cfg.HiddenLocal)
	if err != nil {
		return nil, err
	}
	// Drain before the shared kernel is rebound.
	if err := p.s.Finish(); err != nil {
		return nil, err
	}
	res.Stage1, res.Shapes[0] = time.Since(t), ev.Shape

	// Stage 2: output = hidden x W2 over (n3, batch).
	if err := p.kernel.Bind(gpu.BufferArg(hidden), gpu.BufferArg(w2), gpu.BufferArg(out), gpu.Int32Arg(int32(n2))); err != nil {
		return nil, err
	}
	t = time.Now()
	ev, err = p.s.Dispatch(p.kernel, []int{n3, batchSize}, p.cfg.OutputLocal)
	if err != nil {
		return nil, err
	}
	if err := ev.Wait(); err != nil {
		return nil, err
	}
	res.Stage2, res.Shapes[1] = time.Since(t), ev.Shape

	if err := gpu.Download(out, res.Scores); err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)
	klog.V(1).Infof("mlp: %s batch of %d in %s (stage 1 %s %v, stage 2 %s %v)",
		m, batchSize, res.Elapsed, res.Stage1, res.Shapes[0], res.Stage2, res.Shapes[1])
	return res, nil
}

// Close releases the kernel and the program.
func (p *Pipeline) Close() {
	p.kernel.Release()
	p.prog.Release()
}

// MatMul computes c = a x b on the host, for row-major a (rows x k) and b (k x cols).
func MatMul(a, b, c []float64, rows, k, cols int) {
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			var sum float64
			for l := 0; l < k; l++ {
				sum += a[i*k+l] * b[l*cols+j]
			}
			c[i*cols+j] = sum
		}
	}
}

// Reference computes the scores of the batch sequentially on the host.
func Reference(m *model.Model, batch []float64, batchSize int) []float64 {
	hidden := make([]float64, batchSize*m.Hidden)
	MatMul(batch, m.W1, hidden, batchSize, m.Inputs, m.Hidden)
	scores := make([]float64, batchSize*m.Outputs)
	MatMul(hidden, m.W2, scores, batchSize, m.Hidden, m.Outputs)
	return scores
}

// Argmax returns the index of the largest score. Ties go to the lowest index.
func Argmax(scores []float64) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// Accuracy counts the predictions equal to their label.
func Accuracy(predictions, labels []int) (correct int, percent float64) {
	n := min(len(predictions), len(labels))
	for i := 0; i < n; i++ {
		if predictions[i] == labels[i] {
			correct++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return correct, float64(correct) / float64(n) * 100
}
