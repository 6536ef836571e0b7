// Package logsink writes log lines from any number of producers to a single
// writer owned by one goroutine.
package logsink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

// queueSize is the number of lines buffered before Log blocks.
const queueSize = 1024

// Sink is an append-only, newline-delimited text log.
type Sink struct {
	w      io.Writer
	closer io.Closer

	mu     sync.RWMutex
	queue  chan string
	closed bool

	done chan struct{}
	err  error // owned by run until done is closed

	closeOnce sync.Once
	closeErr  error
}

// Open appends to the file at path, creating it if needed.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	s := New(f)
	s.closer = f
	return s, nil
}

// New starts a sink writing to w. Close does not close w.
func New(w io.Writer) *Sink {
	s := &Sink{
		w:     w,
		queue: make(chan string, queueSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) run() {
	defer close(s.done)

	bw := bufio.NewWriter(s.w)
	for line := range s.queue {
		if s.err != nil {
			continue
		}
		if _, err := bw.WriteString(line + "\n"); err != nil {
			s.err = err
			continue
		}
		// Flush per line so the file can be tailed while monitoring
		if err := bw.Flush(); err != nil {
			s.err = err
		}
	}
}

// Log enqueues a line. It is a no-op after Close.
func (s *Sink) Log(line string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.queue <- line
}

// Logf formats and enqueues a line.
func (s *Sink) Logf(format string, args ...interface{}) {
	s.Log(fmt.Sprintf(format, args...))
}

// Close stops accepting lines, waits for queued ones to be written and
// returns the first write error.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		<-s.done

		s.closeErr = s.err
		if s.closer != nil {
			if err := s.closer.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}
