package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/Brownie44l1/dermascan/internal/errors"
)

func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestFetchReportsMonotonicProgress(t *testing.T) {
	payload := testPayload(100_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), 4096, zap.NewNop())

	var events []Progress
	download, err := f.Fetch(context.Background(), srv.URL, func(p Progress) {
		events = append(events, p)
	})
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Len(t, events, len(download.Chunks))
	lastBytes := int64(0)
	lastPercent := 0.0
	for _, e := range events {
		assert.Greater(t, e.BytesReceived, lastBytes)
		assert.Equal(t, int64(len(payload)), e.TotalBytes)
		pct, ok := e.Percent()
		require.True(t, ok)
		assert.GreaterOrEqual(t, pct, lastPercent)
		lastBytes, lastPercent = e.BytesReceived, pct
	}
	assert.InDelta(t, 100.0, lastPercent, 1e-9)

	buf, err := download.Bytes()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, buf))
}

func TestFetchWithoutContentLengthDegradesProgress(t *testing.T) {
	payload := testPayload(10_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flushing before the body is complete forces chunked transfer encoding.
		w.Write(payload[:5000])
		w.(http.Flusher).Flush()
		w.Write(payload[5000:])
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), 1024, zap.NewNop())

	var events []Progress
	download, err := f.Fetch(context.Background(), srv.URL, func(p Progress) {
		events = append(events, p)
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)

	for _, e := range events {
		assert.Equal(t, int64(-1), e.TotalBytes)
		_, ok := e.Percent()
		assert.False(t, ok)
	}
	assert.Equal(t, int64(len(payload)), events[len(events)-1].BytesReceived)
	assert.Equal(t, int64(-1), download.Declared)

	buf, err := download.Bytes()
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
}

func TestFetchFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), 0, zap.NewNop())

	called := false
	_, err := f.Fetch(context.Background(), srv.URL, func(Progress) { called = true })
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrFetch))
	assert.Contains(t, err.Error(), "404")
	assert.False(t, called)
}

func TestFetchFailsOnTruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2048")
		w.Write(testPayload(1024))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), 256, zap.NewNop())

	_, err := f.Fetch(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrFetch))
}

func TestFetchFailsOnUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := NewFetcher(nil, 0, zap.NewNop())

	_, err := f.Fetch(context.Background(), url, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrFetch))
}

func TestStreamIsNotRestartable(t *testing.T) {
	payload := testPayload(300)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), 128, zap.NewNop())
	stream, err := f.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	defer stream.Close()

	var got []byte
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, len(chunk), 128)
		got = append(got, chunk...)
	}
	assert.Equal(t, payload, got)

	chunk, err := stream.Next()
	assert.Nil(t, chunk)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, int64(len(payload)), stream.Progress().BytesReceived)
}
