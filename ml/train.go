package ml

import (
	"io"
	"iter"
	"log"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
)

// Batch is one mini-batch: X is [batch, features], Labels has one class per row.
type Batch struct {
	X      *Matrix
	Labels []int
}

// BatchSource yields the batches of one pass over a dataset. Each call to
// Batches starts a new pass; ordering (and shuffling) is up to the source.
type BatchSource interface {
	Batches() iter.Seq[Batch]
}

type TrainingConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	ModelPath    string // checkpoint written after training when set
	VerboseEvery int    // How often to log progress (in epochs)
	Seed         uint64 // Seeds the dropout masks

	// Optimizer Selection
	Optimizer OptimizerType

	// Optimizer Hyperparameters (Zero values will use defaults)
	MomentumMu float64 // For Momentum (usually 0.9)
	AdamBeta1  float64 // For Adam (usually 0.9)
	AdamBeta2  float64 // For Adam (usually 0.999)
	AdamEps    float64 // For Adam (usually 1e-8)

	Logger *log.Logger // nil discards progress output
}

// History holds one entry per epoch.
type History struct {
	TrainLoss   []float64
	ValLoss     []float64
	ValAccuracy []float64
}

// EvalResult summarises an evaluation pass.
type EvalResult struct {
	Loss     float64 // average per sample
	Accuracy float64
	Correct  int
	Count    int
}

// Train runs cfg.Epochs passes over trainSet. Every batch starts from cleared
// gradients; after every epoch the model is evaluated on valSet (if non-nil)
// with dropout disabled and no parameter updates.
func Train(nw *Model, trainSet, valSet BatchSource, loss LossFunc, opt Optimizer, cfg TrainingConfig) (History, error) {
	var history History
	if err := validateConfig(cfg); err != nil {
		return history, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.VerboseEvery <= 0 {
		cfg.VerboseEvery = 1
	}

	// 1. Setup & Allocation
	grads := NewGradBuffer(nw)
	pass := TrainPass(rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)))

	// 2. Training Loop
	start := time.Now()
	logger.Printf("TrainingConfig: epochs=%d lr=%g optimizer=%s", cfg.Epochs, cfg.LearningRate, cfg.Optimizer)

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		var totalLoss float64
		batchesProcessed := 0

		for batch := range trainSet.Batches() {
			batchLoss, err := TrainStep(nw, batch, loss, opt, grads, pass)
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d batch %d", epoch, batchesProcessed+1)
			}
			totalLoss += batchLoss
			batchesProcessed++
		}
		if batchesProcessed == 0 {
			return history, errors.New("training set yielded no batches")
		}

		avgLoss := totalLoss / float64(batchesProcessed)
		history.TrainLoss = append(history.TrainLoss, avgLoss)

		if valSet != nil {
			res, err := Evaluate(nw, valSet, loss)
			if err != nil {
				return history, errors.Wrapf(err, "validation after epoch %d", epoch)
			}
			history.ValLoss = append(history.ValLoss, res.Loss)
			history.ValAccuracy = append(history.ValAccuracy, res.Accuracy)
			if epoch%cfg.VerboseEvery == 0 || epoch == 1 {
				logger.Printf("Epoch %d | Loss: %.4f | Val Loss: %.4f | Val Acc: %.2f%% | Time: %v",
					epoch, avgLoss, res.Loss, res.Accuracy*100, time.Since(start))
			}
		} else if epoch%cfg.VerboseEvery == 0 || epoch == 1 {
			logger.Printf("Epoch %d | Loss: %.4f | Time: %v", epoch, avgLoss, time.Since(start))
		}
	}

	if cfg.ModelPath != "" {
		if err := Save(nw, cfg.ModelPath); err != nil {
			return history, err
		}
		logger.Printf("Saved model to %s", cfg.ModelPath)
	}
	logger.Printf("Training Complete. Total Time: %v", time.Since(start))
	return history, nil
}

// TrainStep performs one optimisation step on a batch and returns its loss.
// grads is cleared first, so gradients never leak from a previous batch.
func TrainStep(nw *Model, batch Batch, loss LossFunc, opt Optimizer, grads *GradBuffer, pass Pass) (float64, error) {
	grads.ZeroGrad()

	tape, err := nw.Record(pass, batch.X)
	if err != nil {
		return 0, err
	}
	batchLoss, dScores, err := loss.Loss(tape.Scores, batch.Labels)
	if err != nil {
		return 0, err
	}
	g, err := Backward(nw, tape, dScores)
	if err != nil {
		return 0, err
	}
	if err := grads.Accumulate(g); err != nil {
		return 0, err
	}
	if err := opt.Step(nw.Parameters(), grads.Gradients()); err != nil {
		return 0, err
	}
	return batchLoss, nil
}

// Evaluate runs an evaluation pass and reports the per-sample average loss
// and top-1 accuracy.
func Evaluate(nw *Model, batches BatchSource, loss LossFunc) (EvalResult, error) {
	var res EvalResult
	var totalLoss float64

	for batch := range batches.Batches() {
		scores, err := nw.Forward(EvalPass(), batch.X)
		if err != nil {
			return res, err
		}
		batchLoss, _, err := loss.Loss(scores, batch.Labels)
		if err != nil {
			return res, err
		}
		n := len(batch.Labels)
		totalLoss += batchLoss * float64(n)
		res.Correct += Accuracy(scores, batch.Labels)
		res.Count += n
	}

	if res.Count == 0 {
		return res, errors.New("evaluate: no samples")
	}
	res.Loss = totalLoss / float64(res.Count)
	res.Accuracy = float64(res.Correct) / float64(res.Count)
	return res, nil
}

func validateConfig(cfg TrainingConfig) error {
	if cfg.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", cfg.Epochs)
	}
	return nil
}

// ------ BATCH HELPERS ------

// Batches is an in-memory BatchSource that replays the same batches in order.
type Batches []Batch

func (b Batches) Batches() iter.Seq[Batch] {
	return func(yield func(Batch) bool) {
		for _, batch := range b {
			if !yield(batch) {
				return
			}
		}
	}
}

func NewIndexList(size int) []int {
	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// ShuffleIndices permutes indices in place. A nil rng uses the global source.
func ShuffleIndices(indices []int, rng *rand.Rand) {
	shuffle := rand.Shuffle
	if rng != nil {
		shuffle = rng.Shuffle
	}
	shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
}

// Gather copies specific rows from the global storage into a contiguous batch,
// without needing to reshuffle the global array.
func Gather(batchIndices []int, globalX *Matrix, globalY []int) Batch {
	rowSize := globalX.cols
	destX := NewMatrix(len(batchIndices), rowSize)
	destY := make([]int, len(batchIndices))

	for localRowIdx, realDataIdx := range batchIndices {
		destY[localRowIdx] = globalY[realDataIdx]
		copy(destX.Row(localRowIdx), globalX.Row(realDataIdx))
	}
	return Batch{X: destX, Labels: destY}
}
