// Package ndjson reassembles newline-delimited records from arbitrarily
// split transport chunks.
package ndjson

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"goa.design/clue/log"
)

const (
	defaultReadSize       = 4 * 1024
	defaultMaxRecordBytes = 8 * 1024 * 1024
)

// Option configures a Reassembler.
type Option func(*Reassembler)

// WithMaxRecordBytes bounds the buffered trailing fragment. A fragment that
// grows past n bytes is discarded up to the next delimiter.
func WithMaxRecordBytes(n int) Option {
	return func(r *Reassembler) {
		if n > 0 {
			r.maxRecord = n
		}
	}
}

// Reassembler buffers an unterminated trailing fragment across Feed calls.
// It is not safe for concurrent use.
type Reassembler struct {
	buf       []byte
	maxRecord int
	skipping  bool
	dropped   int
}

// NewReassembler constructs an empty reassembler.
func NewReassembler(opts ...Option) *Reassembler {
	r := &Reassembler{maxRecord: defaultMaxRecordBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Feed appends chunk to the pending fragment and returns every complete
// record, in order. Records are stripped of the delimiter and of a trailing
// carriage return; blank records are not returned. The returned slices do
// not alias internal state.
func (r *Reassembler) Feed(chunk []byte) [][]byte {
	var records [][]byte
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			r.buffer(chunk)
			break
		}
		head := chunk[:idx]
		chunk = chunk[idx+1:]
		if r.skipping {
			r.skipping = false
			continue
		}
		if len(r.buf)+len(head) > r.maxRecord {
			r.buf = r.buf[:0]
			r.dropped++
			continue
		}
		var record []byte
		if len(r.buf) == 0 {
			record = bytes.Clone(head)
		} else {
			record = append(r.buf, head...)
			r.buf = nil
		}
		record = bytes.TrimSuffix(record, []byte{'\r'})
		if len(bytes.TrimSpace(record)) == 0 {
			continue
		}
		records = append(records, record)
	}
	return records
}

func (r *Reassembler) buffer(fragment []byte) {
	if r.skipping {
		return
	}
	if len(r.buf)+len(fragment) > r.maxRecord {
		r.buf = nil
		r.skipping = true
		r.dropped++
		return
	}
	r.buf = append(r.buf, fragment...)
}

// Pending reports how many bytes of an unterminated record are buffered.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Dropped reports how many oversized records were discarded.
func (r *Reassembler) Dropped() int {
	return r.dropped
}

// Reset discards any buffered fragment.
func (r *Reassembler) Reset() {
	r.buf = nil
	r.skipping = false
}

// Scan reads src until EOF, invoking fn for every complete record. A
// dangling fragment left at EOF is dropped silently. Scan stops early when
// ctx is done or fn returns an error.
func Scan(ctx context.Context, src io.Reader, fn func([]byte) error, opts ...Option) error {
	if src == nil {
		return errors.New("ndjson: nil reader")
	}
	r := NewReassembler(opts...)
	chunk := make([]byte, defaultReadSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := src.Read(chunk)
		if n > 0 {
			before := r.dropped
			for _, record := range r.Feed(chunk[:n]) {
				if err := fn(record); err != nil {
					return err
				}
			}
			if r.dropped > before {
				log.Warn(ctx, log.KV{K: "msg", V: "ndjson: oversized record dropped"}, log.KV{K: "limit", V: r.maxRecord})
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if r.Pending() > 0 {
					log.Debug(ctx, log.KV{K: "msg", V: "ndjson: dropping unterminated trailing record"}, log.KV{K: "bytes", V: r.Pending()})
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("ndjson: read: %w", readErr)
		}
	}
}
