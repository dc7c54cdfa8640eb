package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log rotation limits.
const (
	logMaxSizeMB  = 10
	logMaxBackups = 3
)

// newBaseLogger constructs the base logger of the process from the
// command-line options.
func newBaseLogger(opts *options) (l *slog.Logger) {
	var output io.Writer = os.Stderr
	if opts.logFile != "" {
		output = &lumberjack.Logger{
			Filename:   opts.logFile,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			Compress:   true,
		}
	}

	lvl := slog.LevelInfo
	if opts.verbose {
		lvl = slog.LevelDebug
	}

	return slogutil.New(&slogutil.Config{
		Output:       output,
		Format:       slogutil.FormatDefault,
		Level:        lvl,
		AddTimestamp: true,
	})
}
