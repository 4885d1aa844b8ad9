package monitor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	StdoutFile = "stdout.txt"
	StderrFile = "stderr.txt"
	EventsFile = "events.jsonl"
)

// Capture persists unit output to files in a directory while teeing it to
// the console writers.
type Capture struct {
	Dir string

	stdout *teeWriter
	stderr *teeWriter
	debug  *teeWriter
}

// NewCapture creates dir and opens stdout.txt and stderr.txt inside it.
// When debugDir is non-empty the raw event log is written there too.
func NewCapture(dir, debugDir string, console, consoleErr io.Writer) (*Capture, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	c := &Capture{Dir: dir}

	var err error
	if c.stdout, err = openTee(filepath.Join(dir, StdoutFile), console); err != nil {
		return nil, err
	}
	if c.stderr, err = openTee(filepath.Join(dir, StderrFile), consoleErr); err != nil {
		c.stdout.close()
		return nil, err
	}
	if debugDir != "" {
		if err := os.MkdirAll(debugDir, 0o755); err != nil {
			c.Close()
			return nil, fmt.Errorf("create debug dir: %w", err)
		}
		if c.debug, err = openTee(filepath.Join(debugDir, EventsFile), nil); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Stdout returns the stdout sink.
func (c *Capture) Stdout() io.Writer { return c.stdout }

// Stderr returns the stderr sink.
func (c *Capture) Stderr() io.Writer { return c.stderr }

// Debug returns the event log sink, or nil when disabled.
func (c *Capture) Debug() io.Writer {
	if c.debug == nil {
		return nil
	}
	return c.debug
}

// Close flushes and closes every file.
func (c *Capture) Close() error {
	var errs []error
	for _, w := range []*teeWriter{c.stdout, c.stderr, c.debug} {
		if w != nil {
			errs = append(errs, w.close())
		}
	}
	return errors.Join(errs...)
}

type teeWriter struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	console io.Writer
	closed  bool
}

func openTee(path string, console io.Writer) (*teeWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	return &teeWriter{file: f, buf: bufio.NewWriter(f), console: console}, nil
}

// Write stores p in the file and echoes it to the console. A console
// failure does not prevent the file write.
func (w *teeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}
	if _, err := w.buf.Write(p); err != nil {
		return 0, err
	}
	if w.console != nil {
		if _, err := w.console.Write(p); err != nil {
			return len(p), fmt.Errorf("console: %w", err)
		}
	}
	return len(p), nil
}

func (w *teeWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.buf.Flush()
}

func (w *teeWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return errors.Join(w.buf.Flush(), w.file.Close())
}
