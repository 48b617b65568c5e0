package ml

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// LossFunc computes a mean loss over a batch together with its gradient
// with respect to the scores.
type LossFunc interface {
	Loss(scores *Matrix, labels []int) (float64, *Matrix, error)
}

// CrossEntropyLoss is the fused log-softmax + negative log-likelihood on raw
// scores. Each row is shifted by its max before exponentiating, so scores of
// any magnitude give finite losses.
type CrossEntropyLoss struct{}

func (CrossEntropyLoss) Loss(scores *Matrix, labels []int) (float64, *Matrix, error) {
	if err := checkLabels(scores, labels); err != nil {
		return 0, nil, err
	}

	batchSize := float64(scores.rows)
	logProbs := LogProbs(scores)
	totalLoss := 0.0

	// dL/ds = (softmax(s) - onehot(y)) / B
	dScores := NewMatrix(scores.rows, scores.cols)
	for i, y := range labels {
		lp := logProbs.Row(i)
		totalLoss -= lp[y]

		d := dScores.Row(i)
		for j, v := range lp {
			d[j] = math.Exp(v)
		}
		d[y] -= 1.0
	}
	floats.Scale(1/batchSize, dScores.data)

	return totalLoss / batchSize, dScores, nil
}

// NLL returns the mean negative log-likelihood of labels under log-probabilities.
func NLL(logProbs *Matrix, labels []int) (float64, error) {
	if err := checkLabels(logProbs, labels); err != nil {
		return 0, err
	}
	total := 0.0
	for i, y := range labels {
		total -= logProbs.At(i, y)
	}
	return total / float64(logProbs.rows), nil
}

// Accuracy counts rows whose argmax equals the label.
func Accuracy(scores *Matrix, labels []int) (correct int) {
	for i, y := range labels {
		if scores.ArgMaxRow(i) == y {
			correct++
		}
	}
	return correct
}

func checkLabels(scores *Matrix, labels []int) error {
	if len(labels) != scores.rows {
		return shapeError("loss", "labels", Shape{scores.rows, 1}, Shape{len(labels), 1})
	}
	for i, y := range labels {
		if y < 0 || y >= scores.cols {
			return errors.Errorf("loss: label %d at row %d outside [0, %d)", y, i, scores.cols)
		}
	}
	return nil
}
