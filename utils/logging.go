package utils

import (
	"io"
	"log"
	"os"
	"sync/atomic"

	"udptunnel/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

var verbose atomic.Bool

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogging points the standard logger at stderr or, when a filename is
// configured, at a rotating log file. The returned closer flushes the file.
func SetupLogging(cfg *config.GlobalLogConfig) io.Closer {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if cfg == nil {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}
	verbose.Store(cfg.Verbose)
	if cfg.Filename == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	log.SetOutput(lj)
	return lj
}

// Tracef logs per-datagram detail when verbose logging is enabled.
func Tracef(format string, args ...interface{}) {
	if verbose.Load() {
		log.Printf("TRACE: "+format, args...)
	}
}

func SetVerbose(v bool) {
	verbose.Store(v)
}
