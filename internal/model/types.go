package model

import (
	"fmt"

	apperrors "github.com/Brownie44l1/dermascan/internal/errors"
)

const (
	ImageSize        = 224
	Channels         = 3
	DefaultThreshold = 0.6

	// UnknownLabel is reported when the best score is below the threshold.
	UnknownLabel = "unknown"
)

// DefaultLabels is the class order the model was trained with. Output index i
// of the model scores DefaultLabels[i].
var DefaultLabels = []string{
	"Eczema",
	"Warts Molluscum",
	"Melanoma",
	"Basal Cell Carcinoma",
	"Melanocytic Nevi (NV)",
	"Benign Keratosis-like Lesions (BKL)",
	"Psoriasis pictures Lichen Planus",
	"Seborrheic Keratoses and other Benign Tumor",
	"Tinea Ringworm Candidiasis and other Fungal",
}

type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	Threshold   float32  `json:"threshold"`
}

// DefaultMetadata describes the skin-condition model: NHWC float input with raw
// 0-255 pixel values and one score per label.
func DefaultMetadata() Metadata {
	return Metadata{
		InputShape:  []int64{1, ImageSize, ImageSize, Channels},
		OutputShape: []int64{1, int64(len(DefaultLabels))},
		Classes:     DefaultLabels,
		ImageSize:   ImageSize,
		Threshold:   DefaultThreshold,
	}
}

// InputTensor is a dense float32 tensor in row-major order.
type InputTensor struct {
	Shape []int64
	Data  []float32
}

// CheckShape verifies t has exactly the given shape and a matching data length.
func (t InputTensor) CheckShape(want []int64) error {
	const op = "model.check_shape"

	if len(t.Shape) != len(want) {
		return apperrors.New(apperrors.KindShapeMismatch, op,
			fmt.Sprintf("tensor rank %d, expected %v", len(t.Shape), want))
	}
	size := int64(1)
	for i, d := range want {
		if t.Shape[i] != d {
			return apperrors.New(apperrors.KindShapeMismatch, op,
				fmt.Sprintf("tensor shape %v, expected %v", t.Shape, want))
		}
		size *= d
	}
	if int64(len(t.Data)) != size {
		return apperrors.New(apperrors.KindShapeMismatch, op,
			fmt.Sprintf("tensor holds %d values, shape %v needs %d", len(t.Data), want, size))
	}
	return nil
}

type ClassificationResult struct {
	Label       string             `json:"label"`
	Confidence  float32            `json:"confidence"`
	Index       int                `json:"index"`
	Predictions map[string]float32 `json:"predictions"`
}

// Known reports whether the result cleared the confidence threshold.
func (r ClassificationResult) Known() bool {
	return r.Label != UnknownLabel
}
