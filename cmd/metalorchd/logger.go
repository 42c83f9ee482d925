package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

// getLogger returns a logger based on the configured verbosity. A negative
// level discards all output, mirroring cmd/tinkerbell/logger.go.
func getLogger(level int) logr.Logger {
	if level < 0 {
		return logr.Discard()
	}
	return defaultLogger(level)
}

// defaultLogger uses the slog logr implementation (spec.md §10.1).
func defaultLogger(level int) logr.Logger {
	customAttr := func(_ []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			ss, ok := a.Value.Any().(*slog.Source)
			if !ok || ss == nil {
				return a
			}
			p := strings.Split(ss.File, "/")
			var idx int
			for i, v := range p {
				if v == "metalorch" {
					if i+2 < len(p) {
						idx = i + 2
						break
					}
				}
				if v == "mod" {
					if i+1 < len(p) {
						idx = i + 1
						break
					}
				}
			}
			ss.File = filepath.Join(p[idx:]...)
			ss.File = fmt.Sprintf("%s:%d", ss.File, ss.Line)
			a.Value = slog.StringValue(ss.File)
			a.Key = "caller"
			return a
		}
		if a.Key == slog.LevelKey {
			lvl, ok := a.Value.Any().(slog.Level)
			if !ok {
				return a
			}
			a.Value = slog.StringValue(strconv.Itoa(int(lvl)))
		}
		return a
	}
	opts := &slog.HandlerOptions{
		AddSource:   true,
		Level:       slog.Level(-level),
		ReplaceAttr: customAttr,
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	return logr.FromSlogHandler(log.Handler())
}
