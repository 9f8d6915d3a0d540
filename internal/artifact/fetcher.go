// Package artifact downloads the model artifact as a stream of chunks and
// assembles it into one contiguous buffer.
package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Brownie44l1/dermascan/internal/errors"
)

const (
	DefaultChunkSize = 32 << 10
	DefaultTimeout   = 5 * time.Minute
)

// Progress is one progress update of a download. TotalBytes is -1 when the
// server did not declare a Content-Length.
type Progress struct {
	BytesReceived int64 `json:"bytes_received"`
	TotalBytes    int64 `json:"total_bytes"`
}

// Percent returns the completion percentage. ok is false when the total is unknown.
func (p Progress) Percent() (percent float64, ok bool) {
	if p.TotalBytes <= 0 {
		return 0, false
	}
	return float64(p.BytesReceived) / float64(p.TotalBytes) * 100, true
}

// ProgressFunc receives progress updates in strictly increasing BytesReceived order.
type ProgressFunc func(Progress)

// Fetcher issues the single model download request.
type Fetcher struct {
	client    *http.Client
	chunkSize int
	logger    *zap.Logger
}

// NewFetcher creates a Fetcher. A nil client gets DefaultTimeout.
func NewFetcher(client *http.Client, chunkSize int, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Fetcher{
		client:    client,
		chunkSize: chunkSize,
		logger:    logger.Named("artifact_fetcher"),
	}
}

// Stream is a lazy, finite, non-restartable sequence of body chunks.
type Stream struct {
	body     io.ReadCloser
	buf      []byte
	total    int64
	received int64
	err      error
	closed   bool
}

// Open sends the GET request and returns a stream over the response body.
func (f *Fetcher) Open(ctx context.Context, url string) (*Stream, error) {
	const op = "artifact.open"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindFetch, op, "build request")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindFetch, op, "send request")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, apperrors.New(apperrors.KindFetch, op,
			fmt.Sprintf("failed to fetch model: %s", resp.Status))
	}

	total := resp.ContentLength
	if total < 0 {
		f.logger.Warn("model response has no content length, progress percent unavailable",
			zap.String("url", url))
		total = -1
	}

	return &Stream{
		body:  resp.Body,
		buf:   make([]byte, f.chunkSize),
		total: total,
	}, nil
}

// Next returns the next chunk. It returns io.EOF once the body is exhausted and
// keeps returning the same terminal error afterwards.
func (s *Stream) Next() ([]byte, error) {
	for s.err == nil {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, s.buf[:n])
			s.received += int64(n)
			if err != nil {
				s.finish(err)
			}
			return chunk, nil
		}
		if err != nil {
			s.finish(err)
		}
	}
	return nil, s.err
}

func (s *Stream) finish(err error) {
	if err == io.EOF {
		s.err = io.EOF
	} else {
		s.err = apperrors.Wrap(err, apperrors.KindFetch, "artifact.read", "read body")
	}
	s.Close()
}

// Progress returns the progress after the last chunk returned by Next.
func (s *Stream) Progress() Progress {
	return Progress{BytesReceived: s.received, TotalBytes: s.total}
}

// Close releases the response body.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// Download is a completed fetch.
type Download struct {
	Chunks   [][]byte
	Received int64
	// Declared is the Content-Length announced by the server, or -1.
	Declared int64
}

// Bytes assembles the chunks, checking them against the declared length when
// the server announced one.
func (d *Download) Bytes() ([]byte, error) {
	total := d.Received
	if d.Declared >= 0 {
		total = d.Declared
	}
	return Assemble(d.Chunks, total)
}

// Fetch downloads url, calling onProgress after every chunk.
func (f *Fetcher) Fetch(ctx context.Context, url string, onProgress ProgressFunc) (*Download, error) {
	start := time.Now()

	stream, err := f.Open(ctx, url)
	if err != nil {
		f.logger.Error("model request failed", zap.String("url", url), zap.Error(err))
		return nil, err
	}
	defer stream.Close()

	download := &Download{Declared: stream.total}
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.logger.Error("model download interrupted",
				zap.String("url", url),
				zap.Int64("bytes_received", stream.received),
				zap.Error(err))
			return nil, err
		}

		download.Chunks = append(download.Chunks, chunk)
		download.Received = stream.received
		if onProgress != nil {
			onProgress(stream.Progress())
		}
	}

	f.logger.Info("model downloaded",
		zap.String("url", url),
		zap.Int64("bytes", download.Received),
		zap.Int("chunks", len(download.Chunks)),
		zap.Duration("elapsed", time.Since(start)))

	return download, nil
}
