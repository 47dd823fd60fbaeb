package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/probe-lab/flowarchive/pkg/filter"
)

// maxLineSize bounds a single newline-delimited envelope.
const maxLineSize = 256 << 20

// ReaderSource reads newline-delimited envelopes until the reader is
// exhausted.
type ReaderSource struct {
	r io.Reader
	d *dispatcher
}

func NewReaderSource(r io.Reader, sink Sink, f filter.RecordFilter) (*ReaderSource, error) {
	d, err := newDispatcher("reader", sink, f)
	if err != nil {
		return nil, err
	}
	return &ReaderSource{r: r, d: d}, nil
}

// Run returns nil once the reader is exhausted.
func (s *ReaderSource) Run(ctx context.Context) error {
	s.d.metrics.connected.Set(1)
	defer s.d.metrics.connected.Set(0)

	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := s.d.handleEnvelope(line); err != nil {
			s.d.logger.Warn("failed to handle envelope", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	s.d.logger.Info("reached end of input")
	return nil
}
