// Package controller is the surface a user interface drives: it keeps the
// selected image, reports model load progress and renders results as text.
package controller

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan/internal/artifact"
	apperrors "github.com/Brownie44l1/dermascan/internal/errors"
	"github.com/Brownie44l1/dermascan/internal/model"
	"github.com/Brownie44l1/dermascan/internal/pipeline"
)

const NoMatchMessage = "The input image doesn't match any known categories."

// Outcome is what a classify request renders.
type Outcome struct {
	Result  model.ClassificationResult
	Message string
}

// LoadStatus is a snapshot of the model startup.
type LoadStatus struct {
	State    model.State
	Progress artifact.Progress
	Err      error
}

type Controller struct {
	pipeline *pipeline.Pipeline
	loader   *pipeline.Loader
	modelURL string
	logger   *zap.Logger

	mu         sync.Mutex
	pending    image.Image
	progress   artifact.Progress
	lastDecile int
}

func New(p *pipeline.Pipeline, loader *pipeline.Loader, modelURL string, logger *zap.Logger) *Controller {
	return &Controller{
		pipeline:   p,
		loader:     loader,
		modelURL:   modelURL,
		logger:     logger.Named("controller"),
		lastDecile: -1,
	}
}

// LoadModel runs the startup sequence with OnLoadProgress as the progress
// callback. Calling it again after a failure is the reload trigger.
func (c *Controller) LoadModel(ctx context.Context) error {
	if err := c.loader.Load(ctx, c.modelURL, c.resetProgress, c.OnLoadProgress); err != nil {
		c.logger.Error("error loading model", zap.Error(err))
		return err
	}
	return nil
}

// resetProgress clears the previous attempt's progress. The loader calls it
// only once the runtime has accepted the new attempt.
func (c *Controller) resetProgress() {
	c.mu.Lock()
	c.progress = artifact.Progress{TotalBytes: -1}
	c.lastDecile = -1
	c.mu.Unlock()
}

// OnLoadProgress records p. It logs every ten percent, or every megabyte when
// the total size is unknown.
func (c *Controller) OnLoadProgress(p artifact.Progress) {
	c.mu.Lock()
	c.progress = p
	step := int(p.BytesReceived >> 20)
	pct, ok := p.Percent()
	if ok {
		step = int(math.Floor(pct / 10))
	}
	report := step > c.lastDecile
	if report {
		c.lastDecile = step
	}
	c.mu.Unlock()

	if !report {
		return
	}
	if ok {
		c.logger.Info("loading model", zap.String("progress", fmt.Sprintf("%.2f%%", pct)))
	} else {
		c.logger.Info("loading model", zap.Int64("bytes_received", p.BytesReceived))
	}
}

// Status returns the current load state and progress.
func (c *Controller) Status() LoadStatus {
	c.mu.Lock()
	progress := c.progress
	c.mu.Unlock()

	rt := c.pipeline.Runtime()
	return LoadStatus{State: rt.State(), Progress: progress, Err: rt.Err()}
}

// OnImageSelected stores img as the image the next classify request uses.
func (c *Controller) OnImageSelected(img image.Image) error {
	if img == nil {
		return apperrors.New(apperrors.KindShapeMismatch, "controller.select_image", "no image")
	}
	c.mu.Lock()
	c.pending = img
	c.mu.Unlock()

	b := img.Bounds()
	c.logger.Debug("image selected", zap.Int("width", b.Dx()), zap.Int("height", b.Dy()))
	return nil
}

// OnClassifyRequested classifies the selected image.
func (c *Controller) OnClassifyRequested(ctx context.Context) (*Outcome, error) {
	c.mu.Lock()
	img := c.pending
	c.mu.Unlock()

	if img == nil {
		return nil, apperrors.New(apperrors.KindInvalidState, "controller.classify", "no image selected")
	}
	return c.Classify(ctx, img)
}

// Classify runs img through the pipeline without touching the selection.
func (c *Controller) Classify(ctx context.Context, img image.Image) (*Outcome, error) {
	res, err := c.pipeline.Classify(ctx, img)
	if err != nil {
		return nil, err
	}
	c.logger.Info("prediction",
		zap.String("label", res.Label),
		zap.Float32("confidence", res.Confidence))
	return &Outcome{Result: *res, Message: RenderResult(*res)}, nil
}

// RenderResult formats a result for display.
func RenderResult(res model.ClassificationResult) string {
	if !res.Known() {
		return NoMatchMessage
	}
	return fmt.Sprintf("Prediction: %s (Confidence: %.2f%%)", res.Label, res.Confidence*100)
}

// RenderError returns the single message shown for a failed request.
func RenderError(err error) string {
	return apperrors.UserMessage(err)
}
