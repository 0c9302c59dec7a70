// Package synclog keeps the append-only, human-readable log of job runs.
package synclog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/coder/quartz"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log appends timestamped lines to a size-rotated file. A zero path disables it.
type Log struct {
	path  string
	clock quartz.Clock

	mu     sync.Mutex // protects following
	w      io.WriteCloser
	closed bool
}

// New opens a sync log at path, rotating at maxSizeMB and keeping maxBackups files.
func New(path string, maxSizeMB, maxBackups int, clock quartz.Clock) *Log {
	if clock == nil {
		clock = quartz.NewReal()
	}
	l := &Log{path: path, clock: clock}
	if path != "" {
		if maxSizeMB <= 0 {
			maxSizeMB = 5
		}
		l.w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		}
	}
	return l
}

// Printf appends one line prefixed with the UTC time. Write errors are dropped.
func (l *Log) Printf(format string, args ...any) {
	if l == nil || l.w == nil {
		return
	}
	line := fmt.Sprintf("[%s] %s\n", l.clock.Now().UTC().Format("2006-01-02T15:04:05Z"), strings.TrimRight(fmt.Sprintf(format, args...), "\n"))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	_, _ = io.WriteString(l.w, line)
}

// Tail returns up to n most recent lines of the current file.
func (l *Log) Tail(n int) ([]string, error) {
	if l == nil || l.path == "" {
		return nil, nil
	}
	if n <= 0 {
		n = 100
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}

// Close flushes and closes the file.
func (l *Log) Close() error {
	if l == nil || l.w == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.w.Close()
}
