// Package logging points the standard logger at stderr, any in-process
// sinks (such as the web log buffer) and an optional rotating file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Writer builds the combined log destination. The returned closer releases
// the log file and is a no-op when no file is configured.
func Writer(cfg Config, console io.Writer, sinks ...io.Writer) (io.Writer, io.Closer, error) {
	var ws []io.Writer
	if console != nil {
		ws = append(ws, console)
	}
	for _, s := range sinks {
		if s != nil {
			ws = append(ws, s)
		}
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		ws = append(ws, lj)
		closer = lj
	}
	return io.MultiWriter(ws...), closer, nil
}

// Setup installs Writer's result as the output of the standard logger.
func Setup(cfg Config, sinks ...io.Writer) (io.Closer, error) {
	w, closer, err := Writer(cfg, os.Stderr, sinks...)
	if err != nil {
		return nil, err
	}
	log.SetOutput(w)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
