package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/utils"
)

const logTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// setupDaemonLogger logs to stdout and to the log file under the data dir.
// The returned func flushes and closes the file.
func setupDaemonLogger(c *config.Config) (func(), error) {
	level, err := config.ParseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	logFile := c.LogFilePath()
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	stdoutHandler := consoleHandler(os.Stdout, level)
	logInterceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: level,
		// time is added by the log interceptor
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))
	return func() {
		_ = logInterceptor.Close()
		_ = file.Close()
	}, nil
}

// setupClientLogger keeps one-shot commands quiet: only warnings and worse
// reach stderr unless a lower level is asked for explicitly.
func setupClientLogger(c *config.Config) {
	level, err := config.ParseLogLevel(c.LogLevel)
	if err != nil || level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(consoleHandler(os.Stderr, level)))
}

func consoleHandler(w io.Writer, level slog.Level) slog.Handler {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: logTimeFormat,
		NoColor:    noColor,
	})
}
