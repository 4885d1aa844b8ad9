package messaging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// DefaultPrompt is printed before each line read.
const DefaultPrompt = "$ "

// Console reads operator lines from a terminal or pipe. Reads block in a
// background goroutine so that a pending read never delays cancellation.
// Close releases that goroutine once it has a line nobody will read; a
// goroutine still blocked reading in exits when in returns.
type Console struct {
	Prompt string

	in  io.Reader
	out io.Writer

	once      sync.Once
	lines     chan string
	err       error
	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
}

// NewConsole returns a console reading from in and prompting on out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{
		Prompt:  DefaultPrompt,
		in:      in,
		out:     out,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (c *Console) start() {
	c.lines = make(chan string)
	go func() {
		defer close(c.stopped)
		defer close(c.lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case c.lines <- sc.Text():
			case <-c.done:
				return
			}
		}
		c.err = sc.Err()
	}()
}

// Close stops delivering lines. ReadLine returns io.EOF afterwards.
func (c *Console) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// ReadLine prompts and waits for the next line.
func (c *Console) ReadLine(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		return "", io.EOF
	default:
	}
	c.once.Do(c.start)
	if c.out != nil && c.Prompt != "" {
		fmt.Fprint(c.out, c.Prompt)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", io.EOF
	case line, ok := <-c.lines:
		if !ok {
			if c.err != nil {
				return "", c.err
			}
			return "", io.EOF
		}
		return line, nil
	}
}
