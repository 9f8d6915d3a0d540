package model

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/Brownie44l1/dermascan/internal/errors"
)

// State is the lifecycle state of a Runtime.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoadedUnallocated
	StateReady
	StateRunning
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoadedUnallocated:
		return "loaded"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Backend is an executable inference graph built from artifact bytes.
type Backend interface {
	// Allocate prepares input and output buffers. It may block.
	Allocate() error
	// Run executes the graph on input. It is never called concurrently.
	Run(input []float32) error
	// Output returns the buffer of output index after a successful Run.
	Output(index int) ([]float32, error)
	Close() error
}

// Opener builds a Backend from raw artifact bytes. It fails on malformed or
// incompatible artifacts.
type Opener func(artifact []byte) (Backend, error)

// Runtime owns the single model instance of the process and enforces the
// load sequence: BeginLoading, Load, Allocate, then any number of Runs.
type Runtime struct {
	open   Opener
	meta   Metadata
	logger *zap.Logger

	runMu sync.Mutex

	mu         sync.Mutex
	state      State
	backend    Backend
	allocating bool
	hasOutput  bool
	lastErr    error
}

func NewRuntime(open Opener, meta Metadata, logger *zap.Logger) *Runtime {
	return &Runtime{
		open:   open,
		meta:   meta,
		logger: logger.Named("model_runtime"),
		state:  StateUnloaded,
	}
}

// Metadata returns the tensor contract of the runtime.
func (r *Runtime) Metadata() Metadata {
	return r.meta
}

// State returns the current state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that moved the runtime to StateFailed, if any.
func (r *Runtime) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Runtime) invalidState(op string, want State) error {
	return apperrors.New(apperrors.KindInvalidState, op,
		fmt.Sprintf("runtime is %s, expected %s", r.state, want))
}

func (r *Runtime) setState(next State) {
	r.logger.Debug("state change", zap.Stringer("from", r.state), zap.Stringer("to", next))
	r.state = next
}

// BeginLoading starts a load attempt. It is valid from Unloaded, or from
// Failed to retry.
func (r *Runtime) BeginLoading() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateUnloaded && r.state != StateFailed {
		return r.invalidState("model.begin_loading", StateUnloaded)
	}
	if r.allocating {
		return apperrors.New(apperrors.KindInvalidState, "model.begin_loading",
			"previous attempt is still releasing its backend")
	}
	r.lastErr = nil
	r.setState(StateLoading)
	return nil
}

// Fail ends the current load attempt with err.
func (r *Runtime) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLocked(err)
}

func (r *Runtime) failLocked(err error) {
	if r.state != StateLoading && r.state != StateLoadedUnallocated {
		return
	}
	// An in-flight Allocate owns the backend and releases it when it returns.
	if r.backend != nil && !r.allocating {
		if cerr := r.backend.Close(); cerr != nil {
			r.logger.Warn("failed to release backend", zap.Error(cerr))
		}
		r.backend = nil
	}
	r.lastErr = err
	r.setState(StateFailed)
	r.logger.Error("model load failed", zap.Error(err))
}

// Load builds the backend from the assembled artifact.
func (r *Runtime) Load(artifact []byte) error {
	const op = "model.load"

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateLoading {
		return r.invalidState(op, StateLoading)
	}
	if len(artifact) == 0 {
		err := apperrors.New(apperrors.KindModelLoad, op, "empty artifact")
		r.failLocked(err)
		return err
	}

	backend, err := r.open(artifact)
	if err != nil {
		wrapped := apperrors.Wrap(err, apperrors.KindModelLoad, op, "open model")
		r.failLocked(wrapped)
		return wrapped
	}

	r.backend = backend
	r.setState(StateLoadedUnallocated)
	r.logger.Info("model loaded", zap.Int("artifact_bytes", len(artifact)))
	return nil
}

// Allocate prepares the backend tensors. Run is valid only after it succeeds.
// The backend allocates without the state lock held, so State keeps answering
// LoadedUnallocated while tensors are being created.
func (r *Runtime) Allocate(ctx context.Context) error {
	const op = "model.allocate"

	r.mu.Lock()
	if r.state != StateLoadedUnallocated || r.allocating {
		err := r.invalidState(op, StateLoadedUnallocated)
		r.mu.Unlock()
		return err
	}
	if err := ctx.Err(); err != nil {
		wrapped := apperrors.Wrap(err, apperrors.KindModelLoad, op, "")
		r.failLocked(wrapped)
		r.mu.Unlock()
		return wrapped
	}
	r.allocating = true
	backend := r.backend
	r.mu.Unlock()

	allocErr := backend.Allocate()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocating = false

	if r.state != StateLoadedUnallocated {
		// Closed or failed while allocating.
		if cerr := backend.Close(); cerr != nil {
			r.logger.Warn("failed to release backend", zap.Error(cerr))
		}
		if r.backend == backend {
			r.backend = nil
		}
		return apperrors.New(apperrors.KindModelLoad, op,
			fmt.Sprintf("runtime %s during allocation", r.state))
	}
	if allocErr != nil {
		wrapped := apperrors.Wrap(allocErr, apperrors.KindModelLoad, op, "allocate tensors")
		r.failLocked(wrapped)
		return wrapped
	}

	r.setState(StateReady)
	r.logger.Info("model ready",
		zap.Int64s("input_shape", r.meta.InputShape),
		zap.Int64s("output_shape", r.meta.OutputShape))
	return nil
}

// Run executes one inference. Calls are serialised; the runtime returns to
// Ready whether or not the run succeeds.
func (r *Runtime) Run(input InputTensor) error {
	const op = "model.run"

	if err := input.CheckShape(r.meta.InputShape); err != nil {
		return err
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.mu.Lock()
	if r.state != StateReady {
		err := r.invalidState(op, StateReady)
		r.mu.Unlock()
		return err
	}
	r.setState(StateRunning)
	r.hasOutput = false
	backend := r.backend
	r.mu.Unlock()

	err := backend.Run(input.Data)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning {
		r.setState(StateReady)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindInference, op, "")
	}
	r.hasOutput = true
	return nil
}

// OutputTensor returns a copy of output index from the last successful Run.
func (r *Runtime) OutputTensor(index int) ([]float32, error) {
	const op = "model.output"

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateReady {
		return nil, r.invalidState(op, StateReady)
	}
	if !r.hasOutput {
		return nil, apperrors.New(apperrors.KindInvalidState, op, "no completed run to read")
	}

	data, err := r.backend.Output(index)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInvalidState, op, fmt.Sprintf("output %d", index))
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

// Close releases the backend. The runtime cannot be loaded again afterwards.
func (r *Runtime) Close() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return nil
	}
	var err error
	if r.backend != nil && !r.allocating {
		err = r.backend.Close()
		r.backend = nil
	}
	r.hasOutput = false
	r.setState(StateClosed)
	return err
}
