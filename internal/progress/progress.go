// Package progress draws single-line progress indicators on a terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const refreshInterval = 100 * time.Millisecond

// IsTerminal reports whether f is a character device.
func IsTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Bar tracks progress towards a known total, such as the operations of a
// mirror plan. It is safe for concurrent use.
type Bar struct {
	total      int64
	current    int64
	width      int
	writer     io.Writer
	mu         sync.Mutex
	label      string
	lastUpdate time.Time
}

func NewBar(w io.Writer, total int64) *Bar {
	return &Bar{
		total:  total,
		width:  40,
		writer: w,
	}
}

// Increment advances the bar by one step and shows label next to it.
func (b *Bar) Increment(label string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current++
	b.label = label

	now := time.Now()
	if now.Sub(b.lastUpdate) > refreshInterval || b.current == b.total {
		b.lastUpdate = now
		b.render()
	}
}

// render must be called with mu held.
func (b *Bar) render() {
	if b.total == 0 {
		return
	}

	filled := int(float64(b.width) * float64(b.current) / float64(b.total))
	filled = min(filled, b.width)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", b.width-filled)
	percent := int(float64(b.current) / float64(b.total) * 100)

	fmt.Fprintf(b.writer, "\r\033[K[%s] %3d%% (%d/%d) %s", bar, percent, b.current, b.total, b.label)
}

func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = b.total
	b.render()
	fmt.Fprintln(b.writer)
}

// Counter reports an open-ended build: how many files were hashed or reused
// from the previous manifest, and the directory entered last.
type Counter struct {
	writer     io.Writer
	mu         sync.Mutex
	hashed     int64
	reused     int64
	dirs       int64
	current    string
	lastUpdate time.Time
}

func NewCounter(w io.Writer) *Counter {
	return &Counter{writer: w}
}

// File records a finished file. It matches the manifest builder's OnFile hook.
func (c *Counter) File(rel string, reused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reused {
		c.reused++
	} else {
		c.hashed++
	}
	c.maybeRender()
}

// Dir records a directory being entered. It matches the manifest builder's
// OnDir hook.
func (c *Counter) Dir(rel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dirs++
	c.current = rel
	c.maybeRender()
}

func (c *Counter) maybeRender() {
	now := time.Now()
	if now.Sub(c.lastUpdate) > refreshInterval {
		c.lastUpdate = now
		c.render()
	}
}

// render must be called with mu held.
func (c *Counter) render() {
	var dirDisplay string
	if c.current != "" {
		dirDisplay = " | " + c.current
	}
	fmt.Fprintf(c.writer, "\r\033[K%d hashed, %d reused, %d directories%s", c.hashed, c.reused, c.dirs, dirDisplay)
}

func (c *Counter) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = ""
	c.render()
	fmt.Fprintln(c.writer)
}
