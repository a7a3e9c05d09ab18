// Package console merges a subprocess's stdout and stderr into a single
// line stream and delivers it to a sink.
package console

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"
)

// Sink receives merged output lines. Close is called once after the last
// line.
type Sink interface {
	WriteLine(line []byte) error
	Close() error
}

const queueSize = 64

// Stream reads both readers until EOF and feeds their lines to sink in
// arrival order. Each reader's own line order is preserved. Nil readers
// are skipped.
func Stream(stdout, stderr io.Reader, sink Sink) error {
	lines := make(chan []byte, queueSize)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		readErr error
	)
	read := func(r io.Reader) {
		defer wg.Done()
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadBytes('\n')
			if len(line) > 0 {
				lines <- line
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					mu.Lock()
					readErr = errors.Join(readErr, err)
					mu.Unlock()
				}
				return
			}
		}
	}
	for _, r := range []io.Reader{stdout, stderr} {
		if r == nil {
			continue
		}
		wg.Add(1)
		go read(r)
	}
	go func() {
		wg.Wait()
		close(lines)
	}()

	var sinkErr error
	for line := range lines {
		if sinkErr == nil {
			sinkErr = sink.WriteLine(line)
		}
	}
	closeErr := sink.Close()

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(readErr, sinkErr, closeErr)
}

type discard struct{}

func (discard) WriteLine([]byte) error { return nil }
func (discard) Close() error           { return nil }

// Discard drops everything.
var Discard Sink = discard{}

type writerSink struct {
	mu sync.Mutex
	w  io.Writer
}

// Writer copies lines to w, typically the local terminal.
func Writer(w io.Writer) Sink { return &writerSink{w: w} }

func (s *writerSink) WriteLine(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(line)
	return err
}

func (s *writerSink) Close() error { return nil }
