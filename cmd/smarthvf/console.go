package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"smarthvf/internal/models"
	"smarthvf/pkg/session"
)

// multiDisplay fans display commands out to several displays.
type multiDisplay []session.Display

func (m multiDisplay) Show(p models.FieldPoint) {
	for _, d := range m {
		d.Show(p)
	}
}

func (m multiDisplay) Hide(p models.FieldPoint) {
	for _, d := range m {
		d.Hide(p)
	}
}

func (m multiDisplay) RetractAll() {
	for _, d := range m {
		d.RetractAll()
	}
}

// console prints test progress on a terminal. With trace set every
// presentation is printed, otherwise only finished points.
type console struct {
	w     io.Writer
	trace bool
	total int

	mu   sync.Mutex
	done int
}

func newConsole(w io.Writer, trace bool) *console {
	return &console{w: w, trace: trace}
}

func (c *console) Show(p models.FieldPoint) {
	if c.trace {
		c.printf("  * (%+.2f, %+.2f) brightness %.2f\n", p.Position.X, p.Position.Y, p.Brightness)
	}
}

func (c *console) Hide(models.FieldPoint) {}

func (c *console) RetractAll() {
	c.printf("\nStimuli cleared\n")
}

// PointComplete prints the running count.
func (c *console) PointComplete(_ int, p models.FieldPoint) {
	c.mu.Lock()
	c.done++
	done := c.done
	c.mu.Unlock()
	c.printf("\r%d/%d points, last threshold %.2f ", done, c.total, p.Brightness)
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

// readTerminal feeds latch from r: an empty line acknowledges the current
// stimulus and "q" requests an abort. It returns at EOF or when ctx is done.
func readTerminal(ctx context.Context, r io.Reader, latch *session.Latch) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(r)
		for s.Scan() {
			lines <- s.Text()
		}
		if err := s.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "terminal input: %v\n", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "q", "quit", "abort":
				latch.RequestAbort()
			default:
				latch.Acknowledge()
			}
		}
	}
}
