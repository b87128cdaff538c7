package miss

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Recorder stores not-found requests that matched no redirect rule, for later review.
//
// Implementations must be thread-safe!
type Recorder interface {
	// Record stores a single miss. The referer may be empty.
	Record(path, referer string) error
}

// Nop discards all misses.
type Nop struct{}

func (Nop) Record(path, referer string) error { return nil }

// LogRecorder writes misses to a zerolog logger.
type LogRecorder struct {
	log zerolog.Logger
}

// NewLogRecorder logs to the given logger, or the global logger if nil.
func NewLogRecorder(logger *zerolog.Logger) LogRecorder {
	if logger == nil {
		logger = &log.Logger
	}
	return LogRecorder{log: logger.With().Str("component", "miss").Logger()}
}

func (l LogRecorder) Record(path, referer string) error {
	l.log.Info().Str("path", path).Str("referer", referer).Msg("Not found")
	return nil
}

// Multi records to all recorders and joins their errors.
type Multi []Recorder

func (m Multi) Record(path, referer string) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(path, referer); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
