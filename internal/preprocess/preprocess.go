// Package preprocess turns decoded bitmaps into model input tensors.
package preprocess

import (
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	apperrors "github.com/Brownie44l1/dermascan/internal/errors"
	"github.com/Brownie44l1/dermascan/internal/model"
)

// Preprocessor resizes images to Size×Size with nearest-neighbour sampling and
// lays the pixels out as a [1, Size, Size, 3] float tensor. Values stay in the
// raw 0-255 range: the model was trained on unnormalised pixels.
type Preprocessor struct {
	Size int
}

func New(meta model.Metadata) *Preprocessor {
	return &Preprocessor{Size: meta.ImageSize}
}

// Tensor converts img. Alpha is dropped; colour channels are taken
// un-premultiplied.
func (p *Preprocessor) Tensor(img image.Image) (model.InputTensor, error) {
	const op = "preprocess.tensor"

	if img == nil {
		return model.InputTensor{}, apperrors.New(apperrors.KindShapeMismatch, op, "no image")
	}
	b := img.Bounds()
	if b.Dx() < 1 || b.Dy() < 1 {
		return model.InputTensor{}, apperrors.New(apperrors.KindShapeMismatch, op,
			fmt.Sprintf("image is %dx%d", b.Dx(), b.Dy()))
	}

	// Clone normalises any image model to NRGBA at origin (0, 0).
	src := imaging.Clone(img)
	srcW, srcH := src.Bounds().Dx(), src.Bounds().Dy()
	width, height := p.Size, p.Size

	// Source pixels are picked at floor(dst*src/size), without half-pixel
	// centres and without corner alignment.
	data := make([]float32, width*height*model.Channels)
	for y := 0; y < height; y++ {
		sy := min(y*srcH/height, srcH-1)
		row := src.Pix[sy*src.Stride:]
		for x := 0; x < width; x++ {
			sx := min(x*srcW/width, srcW-1)
			px := row[sx*4:]
			dst := data[(y*width+x)*model.Channels:]
			dst[0] = float32(px[0])
			dst[1] = float32(px[1])
			dst[2] = float32(px[2])
		}
	}

	return model.InputTensor{
		Shape: []int64{1, int64(height), int64(width), model.Channels},
		Data:  data,
	}, nil
}

// Decode reads an uploaded image, applying the EXIF orientation that phone
// cameras record instead of rotating pixels.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
