// Package logging builds the component loggers used across the
// engine. Every component logs through a stdlib *log.Logger with a
// bracketed prefix ("[daemon] ", "[sync] "); the daemon additionally
// mirrors its output into a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions configures the rotating log file. A zero Path disables
// file logging.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Sink fans component loggers out to stderr and, when configured, a
// rotating file.
type Sink struct {
	out  io.Writer
	file *lumberjack.Logger
}

// NewSink builds the shared log sink. Close releases the file handle;
// a sink without a file needs no Close but tolerates one.
func NewSink(opts FileOptions) *Sink {
	s := &Sink{out: os.Stderr}
	if opts.Path == "" {
		return s
	}
	s.file = &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
	s.out = io.MultiWriter(os.Stderr, s.file)
	return s
}

// Component returns a logger with the bracketed component prefix.
func (s *Sink) Component(name string) *log.Logger {
	return Component(s.out, name)
}

// Close flushes and closes the rotating file, if any.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Component builds a prefixed logger on an arbitrary writer.
func Component(w io.Writer, name string) *log.Logger {
	return log.New(w, "["+name+"] ", log.LstdFlags)
}

// New is the stderr shorthand used by packages that run standalone.
func New(name string) *log.Logger {
	return Component(os.Stderr, name)
}
