package mirror

import (
	"context"
	"errors"

	errs "autosave/pkg/errors"
	"autosave/pkg/logger"
	"autosave/pkg/recovery"
	"autosave/pkg/retry"
)

// Mirror uploads finished artifacts with the recovery coordinator's retry
// policy. It is best effort: a failed upload never touches the local file.
type Mirror struct {
	uploader    Uploader
	coordinator *recovery.Coordinator
	maxAttempts int
	logger      logger.Logger
}

// New creates a mirror. maxAttempts <= 0 means three attempts.
func New(uploader Uploader, coordinator *recovery.Coordinator, maxAttempts int, log logger.Logger) *Mirror {
	if log == nil {
		log = logger.GetLogger()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Mirror{
		uploader:    uploader,
		coordinator: coordinator,
		maxAttempts: maxAttempts,
		logger:      log.WithField("component", "mirror"),
	}
}

// Push uploads localPath and returns its remote URI with the attempt trace
func (m *Mirror) Push(ctx context.Context, localPath string) (string, retry.Trace, error) {
	if m == nil || m.uploader == nil {
		return "", nil, errors.New("mirror is not configured")
	}

	var uri string
	trace, err := m.coordinator.Retry(ctx, errs.KindTransientNet, m.maxAttempts, func(ctx context.Context, attempt int) error {
		var uerr error
		uri, uerr = m.uploader.Upload(ctx, localPath)
		return uerr
	})
	if err != nil {
		m.logger.WithError(err).WarnWithFields("Mirror upload failed", map[string]interface{}{
			"path":     localPath,
			"attempts": len(trace),
			"kind":     string(errs.Classify(err)),
		})
		return "", trace, err
	}
	return uri, trace, nil
}
