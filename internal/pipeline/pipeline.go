// Package pipeline runs classify requests against the shared model runtime and
// drives the one-time model startup sequence.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Brownie44l1/dermascan/internal/errors"
	"github.com/Brownie44l1/dermascan/internal/model"
	"github.com/Brownie44l1/dermascan/internal/preprocess"
)

// BusyPolicy decides what a classify request does while another one runs.
type BusyPolicy int

const (
	// BusyReject fails the request with a busy error.
	BusyReject BusyPolicy = iota
	// BusyWait queues the request until the running one finishes or ctx ends.
	BusyWait
)

func (p BusyPolicy) String() string {
	if p == BusyWait {
		return "wait"
	}
	return "reject"
}

// ParseBusyPolicy accepts "reject" or "wait".
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return BusyReject, nil
	case "wait":
		return BusyWait, nil
	default:
		return BusyReject, fmt.Errorf("unknown busy policy %q", s)
	}
}

// Pipeline is the only caller of Runtime.Run. A single-slot channel acts as
// the busy flag, held from Run until the output has been read.
type Pipeline struct {
	runtime     *model.Runtime
	prep        *preprocess.Preprocessor
	interpreter model.Interpreter
	policy      BusyPolicy
	slot        chan struct{}
	logger      *zap.Logger
}

func New(runtime *model.Runtime, policy BusyPolicy, logger *zap.Logger) *Pipeline {
	meta := runtime.Metadata()
	return &Pipeline{
		runtime:     runtime,
		prep:        preprocess.New(meta),
		interpreter: model.NewInterpreter(meta),
		policy:      policy,
		slot:        make(chan struct{}, 1),
		logger:      logger.Named("pipeline"),
	}
}

// Runtime returns the runtime the pipeline drives.
func (p *Pipeline) Runtime() *model.Runtime {
	return p.runtime
}

func (p *Pipeline) acquire(ctx context.Context) error {
	const op = "pipeline.acquire"

	if p.policy == BusyReject {
		select {
		case p.slot <- struct{}{}:
			return nil
		default:
			return apperrors.New(apperrors.KindBusy, op, "a classification is already running")
		}
	}

	select {
	case p.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), apperrors.KindBusy, op, "gave up waiting for the running classification")
	}
}

func (p *Pipeline) release() {
	<-p.slot
}

// Classify runs one image through preprocessing, the model and the result
// interpreter. It never queues behind model loading: a runtime that is not
// ready yields a not-ready error and is left untouched.
func (p *Pipeline) Classify(ctx context.Context, img image.Image) (*model.ClassificationResult, error) {
	const op = "pipeline.classify"

	if state := p.runtime.State(); state != model.StateReady && state != model.StateRunning {
		return nil, apperrors.New(apperrors.KindNotReady, op, fmt.Sprintf("model is %s", state))
	}

	start := time.Now()
	input, err := p.prep.Tensor(img)
	if err != nil {
		return nil, err
	}
	prepTime := time.Since(start)

	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	scores, runTime, err := p.run(input)
	p.release()
	if err != nil {
		return nil, err
	}

	result, err := p.interpreter.Interpret(scores)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("classified image",
		zap.String("label", result.Label),
		zap.Float32("confidence", result.Confidence),
		zap.Duration("preprocess", prepTime),
		zap.Duration("inference", runTime))

	return &result, nil
}

func (p *Pipeline) run(input model.InputTensor) ([]float32, time.Duration, error) {
	start := time.Now()
	if err := p.runtime.Run(input); err != nil {
		return nil, 0, err
	}
	elapsed := time.Since(start)

	scores, err := p.runtime.OutputTensor(0)
	if err != nil {
		return nil, 0, err
	}
	return scores, elapsed, nil
}
