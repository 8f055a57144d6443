package recorder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// JSONLSink appends one JSON object per line.
type JSONLSink struct {
	mu sync.Mutex
	w  *bufio.Writer
	c  io.Closer
}

// NewJSONLSink writes to w. Closing the sink closes w when it is an
// io.Closer.
func NewJSONLSink(w io.Writer) *JSONLSink {
	s := &JSONLSink{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s
}

// OpenJSONL opens path for appending, creating it and its directory.
func OpenJSONL(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating record directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening record file %s: %w", path, err)
	}
	return NewJSONLSink(f), nil
}

func (s *JSONLSink) Write(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream := json.BorrowStream(s.w)
	defer json.ReturnStream(stream)
	for _, r := range records {
		stream.WriteVal(r)
		stream.WriteRaw("\n")
		if stream.Error != nil {
			return fmt.Errorf("encoding record %s: %w", r.ID, stream.Error)
		}
	}
	if err := stream.Flush(); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// StdoutSink writes JSONL to standard output without closing it.
func StdoutSink() *JSONLSink {
	return NewJSONLSink(nopCloser{os.Stdout})
}
