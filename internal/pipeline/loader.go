package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan/internal/artifact"
	"github.com/Brownie44l1/dermascan/internal/model"
)

// Loader runs the startup sequence: fetch, assemble, load, allocate.
type Loader struct {
	fetcher *artifact.Fetcher
	runtime *model.Runtime
	logger  *zap.Logger
}

func NewLoader(fetcher *artifact.Fetcher, runtime *model.Runtime, logger *zap.Logger) *Loader {
	return &Loader{
		fetcher: fetcher,
		runtime: runtime,
		logger:  logger.Named("loader"),
	}
}

// Load downloads the artifact at url and brings the runtime to Ready. It is
// valid once per process, or again after a failed attempt. onStart, when set,
// runs only after the runtime has accepted the attempt.
func (l *Loader) Load(ctx context.Context, url string, onStart func(), onProgress artifact.ProgressFunc) error {
	if err := l.runtime.BeginLoading(); err != nil {
		return err
	}
	if onStart != nil {
		onStart()
	}
	l.logger.Info("loading model", zap.String("url", url))

	download, err := l.fetcher.Fetch(ctx, url, onProgress)
	if err != nil {
		l.runtime.Fail(err)
		return err
	}

	buf, err := download.Bytes()
	if err != nil {
		l.runtime.Fail(err)
		return err
	}

	if err := l.runtime.Load(buf); err != nil {
		return err
	}
	if err := l.runtime.Allocate(ctx); err != nil {
		return err
	}

	l.logger.Info("model loaded successfully", zap.Int("bytes", len(buf)))
	return nil
}
