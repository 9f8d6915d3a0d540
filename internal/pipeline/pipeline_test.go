package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	apperrors "github.com/Brownie44l1/dermascan/internal/errors"
	"github.com/Brownie44l1/dermascan/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubBackend optionally blocks inside Run until release is closed, and inside
// Allocate until allocGate is closed.
type stubBackend struct {
	mu      sync.Mutex
	scores  []float32
	runErr  error
	runs    int
	inputs  [][]float32
	started chan struct{}
	release chan struct{}

	allocating chan struct{}
	allocGate  chan struct{}
}

func (s *stubBackend) Allocate() error {
	if s.allocating != nil {
		close(s.allocating)
	}
	if s.allocGate != nil {
		<-s.allocGate
	}
	return nil
}

func (s *stubBackend) Run(input []float32) error {
	s.mu.Lock()
	s.runs++
	s.inputs = append(s.inputs, input)
	s.mu.Unlock()

	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	return s.runErr
}

func (s *stubBackend) Output(index int) ([]float32, error) {
	return s.scores, nil
}

func (s *stubBackend) Close() error { return nil }

func (s *stubBackend) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

var melanomaScores = []float32{0.01, 0.01, 0.92, 0.01, 0.01, 0.01, 0.01, 0.01, 0.01}

func newRuntime(t *testing.T, b *stubBackend, ready bool) *model.Runtime {
	t.Helper()
	rt := model.NewRuntime(func([]byte) (model.Backend, error) { return b, nil }, model.DefaultMetadata(), zap.NewNop())
	if ready {
		require.NoError(t, rt.BeginLoading())
		require.NoError(t, rt.Load([]byte("model")))
		require.NoError(t, rt.Allocate(context.Background()))
	}
	return rt
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 180, G: 90, B: 60, A: 255})
		}
	}
	return img
}

func TestClassify(t *testing.T) {
	b := &stubBackend{scores: melanomaScores}
	p := New(newRuntime(t, b, true), BusyReject, zap.NewNop())

	res, err := p.Classify(context.Background(), testImage(800, 400))
	require.NoError(t, err)
	assert.Equal(t, "Melanoma", res.Label)
	assert.Equal(t, float32(0.92), res.Confidence)

	require.Len(t, b.inputs, 1)
	assert.Len(t, b.inputs[0], 224*224*3)
	assert.Equal(t, []float32{180, 90, 60}, b.inputs[0][:3])
}

func TestClassifyBelowThreshold(t *testing.T) {
	b := &stubBackend{scores: []float32{0.1, 0.05, 0.05, 0.05, 0.05, 0.05, 0.05, 0.55, 0.05}}
	p := New(newRuntime(t, b, true), BusyReject, zap.NewNop())

	res, err := p.Classify(context.Background(), testImage(10, 10))
	require.NoError(t, err)
	assert.Equal(t, model.UnknownLabel, res.Label)
	assert.Equal(t, float32(0.55), res.Confidence)
}

func TestClassifyBeforeReady(t *testing.T) {
	b := &stubBackend{scores: melanomaScores}
	rt := newRuntime(t, b, false)
	p := New(rt, BusyReject, zap.NewNop())

	_, err := p.Classify(context.Background(), testImage(10, 10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotReady))
	assert.Equal(t, model.StateUnloaded, rt.State())

	require.NoError(t, rt.BeginLoading())
	_, err = p.Classify(context.Background(), testImage(10, 10))
	assert.True(t, errors.Is(err, apperrors.ErrNotReady))
	assert.Equal(t, model.StateLoading, rt.State())
	assert.Zero(t, b.runCount())
}

func TestClassifyDuringAllocationIsNotReady(t *testing.T) {
	b := &stubBackend{
		scores:     melanomaScores,
		allocating: make(chan struct{}),
		allocGate:  make(chan struct{}),
	}
	rt := newRuntime(t, b, false)
	p := New(rt, BusyWait, zap.NewNop())

	require.NoError(t, rt.BeginLoading())
	require.NoError(t, rt.Load([]byte("model")))
	allocated := make(chan error, 1)
	go func() {
		allocated <- rt.Allocate(context.Background())
	}()
	<-b.allocating

	classified := make(chan error, 1)
	go func() {
		_, err := p.Classify(context.Background(), testImage(10, 10))
		classified <- err
	}()

	select {
	case err := <-classified:
		assert.True(t, errors.Is(err, apperrors.ErrNotReady), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("classify blocked behind allocation")
	}
	assert.Equal(t, model.StateLoadedUnallocated, rt.State())
	assert.Zero(t, b.runCount())

	close(b.allocGate)
	require.NoError(t, <-allocated)
	assert.Equal(t, model.StateReady, rt.State())
}

func TestClassifyRejectsConcurrentRequest(t *testing.T) {
	b := &stubBackend{
		scores:  melanomaScores,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	rt := newRuntime(t, b, true)
	p := New(rt, BusyReject, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := p.Classify(context.Background(), testImage(10, 10))
		done <- err
	}()
	<-b.started

	_, err := p.Classify(context.Background(), testImage(10, 10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrBusy))

	close(b.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, b.runCount())
	assert.Equal(t, model.StateReady, rt.State())

	// The slot is free again.
	b.started = nil
	_, err = p.Classify(context.Background(), testImage(10, 10))
	assert.NoError(t, err)
}

func TestClassifyWaitPolicySerialises(t *testing.T) {
	b := &stubBackend{
		scores:  melanomaScores,
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	p := New(newRuntime(t, b, true), BusyWait, zap.NewNop())

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Classify(context.Background(), testImage(10, 10))
			errs <- err
		}()
	}

	<-b.started
	select {
	case <-b.started:
		t.Fatal("second run started while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(b.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 2, b.runCount())
}

func TestClassifyWaitPolicyHonoursContext(t *testing.T) {
	b := &stubBackend{
		scores:  melanomaScores,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	p := New(newRuntime(t, b, true), BusyWait, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := p.Classify(context.Background(), testImage(10, 10))
		done <- err
	}()
	<-b.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Classify(ctx, testImage(10, 10))
	assert.True(t, errors.Is(err, apperrors.ErrBusy))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(b.release)
	assert.NoError(t, <-done)
}

func TestClassifyFailureLeavesRuntimeReady(t *testing.T) {
	b := &stubBackend{scores: melanomaScores, runErr: errors.New("kernel panic")}
	rt := newRuntime(t, b, true)
	p := New(rt, BusyReject, zap.NewNop())

	_, err := p.Classify(context.Background(), testImage(10, 10))
	assert.True(t, errors.Is(err, apperrors.ErrInference))
	assert.Equal(t, model.StateReady, rt.State())

	b.runErr = nil
	res, err := p.Classify(context.Background(), testImage(10, 10))
	require.NoError(t, err)
	assert.Equal(t, "Melanoma", res.Label)
}

func TestClassifyWrongOutputLength(t *testing.T) {
	b := &stubBackend{scores: []float32{1, 0}}
	rt := newRuntime(t, b, true)
	p := New(rt, BusyReject, zap.NewNop())

	_, err := p.Classify(context.Background(), testImage(10, 10))
	assert.True(t, errors.Is(err, apperrors.ErrShapeMismatch))
	assert.Equal(t, model.StateReady, rt.State())
}

func TestClassifyEmptyImage(t *testing.T) {
	b := &stubBackend{scores: melanomaScores}
	p := New(newRuntime(t, b, true), BusyReject, zap.NewNop())

	_, err := p.Classify(context.Background(), image.NewRGBA(image.Rectangle{}))
	assert.True(t, errors.Is(err, apperrors.ErrShapeMismatch))
	assert.Zero(t, b.runCount())
}

func TestParseBusyPolicy(t *testing.T) {
	for in, want := range map[string]BusyPolicy{"": BusyReject, "reject": BusyReject, " WAIT ": BusyWait} {
		got, err := ParseBusyPolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseBusyPolicy("queue")
	assert.Error(t, err)
}
