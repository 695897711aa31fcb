package logger

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerInterface defines the methods that your logger should implement.
type LoggerInterface interface {
	Printf(format string, v ...interface{})
}

// Options controls where log output goes.
type Options struct {
	// Path of the log file; empty disables file output.
	Path string
	// MaxSizeMB rotates the file once it grows past this size.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept.
	MaxBackups int
	// Stderr mirrors every line to standard error.
	Stderr bool
	// Prefix is prepended to every line.
	Prefix string
}

// Logger represents a logger instance.
type Logger struct {
	*log.Logger
	closer io.Closer
}

// NewLogger creates a new instance of LoggerInterface writing to a rotated
// log file and, optionally, to stderr.
func NewLogger(opts Options) *Logger {
	var writers []io.Writer
	var closer io.Closer

	if opts.Path != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			Compress:   false,
		}
		writers = append(writers, rotator)
		closer = rotator
	}
	if opts.Stderr || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	return &Logger{
		Logger: log.New(io.MultiWriter(writers...), opts.Prefix, log.LstdFlags|log.Lmicroseconds),
		closer: closer,
	}
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// WithPrefix returns a logger sharing the same output with another prefix.
func WithPrefix(l LoggerInterface, prefix string) LoggerInterface {
	return &prefixed{next: l, prefix: prefix}
}

type prefixed struct {
	next   LoggerInterface
	prefix string
}

func (p *prefixed) Printf(format string, v ...interface{}) {
	p.next.Printf(p.prefix+format, v...)
}

// Discard returns a logger that drops everything.
func Discard() LoggerInterface {
	return log.New(io.Discard, "", 0)
}
