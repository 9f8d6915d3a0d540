package model

import (
	"fmt"

	apperrors "github.com/Brownie44l1/dermascan/internal/errors"
)

// Interpreter turns a raw score vector into a labelled result.
type Interpreter struct {
	Labels    []string
	Threshold float32
}

func NewInterpreter(meta Metadata) Interpreter {
	return Interpreter{Labels: meta.Classes, Threshold: meta.Threshold}
}

// Interpret picks the arg-max of scores, the first index winning ties. A best
// score below the threshold yields UnknownLabel with that score as confidence.
func (i Interpreter) Interpret(scores []float32) (ClassificationResult, error) {
	if len(scores) != len(i.Labels) {
		return ClassificationResult{}, apperrors.New(apperrors.KindShapeMismatch, "model.interpret",
			fmt.Sprintf("got %d scores for %d labels", len(scores), len(i.Labels)))
	}

	maxIdx := -1
	var maxVal float32
	predictions := make(map[string]float32, len(scores))

	for idx, val := range scores {
		// NaN is left out of both the maximum and the reported predictions.
		if val != val {
			continue
		}
		predictions[i.Labels[idx]] = val
		if maxIdx < 0 || val > maxVal {
			maxVal = val
			maxIdx = idx
		}
	}

	result := ClassificationResult{
		Label:       UnknownLabel,
		Confidence:  maxVal,
		Index:       maxIdx,
		Predictions: predictions,
	}
	if maxIdx >= 0 && maxVal >= i.Threshold {
		result.Label = i.Labels[maxIdx]
	}
	return result, nil
}
