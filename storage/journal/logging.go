package journal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v3"
)

// storeLog routes badger's printf style output onto slog. badger ends most
// of its format strings with a newline, which slog handlers would keep.
type storeLog struct {
	logger *slog.Logger
}

var _ badger.Logger = (*storeLog)(nil)

func newStoreLog(logger *slog.Logger, dir string) *storeLog {
	if dir == "" {
		dir = "memory"
	}
	return &storeLog{logger: logger.With("dir", dir)}
}

func (s *storeLog) log(level slog.Level, format string, args []interface{}) {
	ctx := context.Background()
	if !s.logger.Enabled(ctx, level) {
		return
	}
	s.logger.Log(ctx, level, strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

func (s *storeLog) Errorf(format string, args ...interface{}) {
	s.log(slog.LevelError, format, args)
}

func (s *storeLog) Warningf(format string, args ...interface{}) {
	s.log(slog.LevelWarn, format, args)
}

func (s *storeLog) Infof(format string, args ...interface{}) {
	s.log(slog.LevelInfo, format, args)
}

func (s *storeLog) Debugf(format string, args ...interface{}) {
	s.log(slog.LevelDebug, format, args)
}

// withLogLevel applies level as badger's own filter. Anything between the
// named slog levels rounds down to the nearer badger level.
func withLogLevel(opts badger.Options, level slog.Level) badger.Options {
	switch {
	case level >= slog.LevelError:
		return opts.WithLoggingLevel(badger.ERROR)
	case level >= slog.LevelWarn:
		return opts.WithLoggingLevel(badger.WARNING)
	case level >= slog.LevelInfo:
		return opts.WithLoggingLevel(badger.INFO)
	default:
		return opts.WithLoggingLevel(badger.DEBUG)
	}
}
