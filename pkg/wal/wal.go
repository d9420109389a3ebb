// Package wal is an append-only checksummed log used to persist transcript
// records on local disk.
package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileName is the log file created inside the directory passed to Open.
const FileName = "transcript.wal"

// ErrClosed indicates the log has already been closed.
var ErrClosed = errors.New("wal: closed")

type config struct {
	noSync   bool
	fileMode os.FileMode
}

// Option configures a Log.
type Option func(*config)

// WithoutSync turns off fsync after appends. Meant for tests.
func WithoutSync() Option {
	return func(cfg *config) { cfg.noSync = true }
}

// WithFileMode sets the permission bits of a newly created log file.
func WithFileMode(mode os.FileMode) Option {
	return func(cfg *config) { cfg.fileMode = mode }
}

// Log is a single-file write-ahead log. A torn frame at the tail, left by a
// crash mid-append, is cut off when the log is opened.
type Log struct {
	mu     sync.Mutex
	cfg    config
	path   string
	file   *os.File
	size   int64
	count  int
	closed bool
}

// Open opens or creates the log inside dir.
func Open(dir string, opts ...Option) (*Log, error) {
	if dir == "" {
		return nil, errors.New("wal: directory is empty")
	}
	cfg := config{fileMode: 0o600}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, cfg.fileMode)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}
	l := &Log{cfg: cfg, path: path, file: file}
	if err := l.recover(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return l, nil
}

// recover walks every frame, truncating a partial tail.
func (l *Log) recover() error {
	buf, err := io.ReadAll(l.file)
	if err != nil {
		return fmt.Errorf("wal: read: %w", err)
	}
	var offset int
	for offset < len(buf) {
		_, n, err := decodeFrame(buf[offset:])
		if errors.Is(err, errPartial) {
			if err := l.file.Truncate(int64(offset)); err != nil {
				return fmt.Errorf("wal: truncate torn tail: %w", err)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("%w at offset %d", err, offset)
		}
		offset += n
		l.count++
	}
	l.size = int64(offset)
	return nil
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Len reports the number of entries in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Append writes e at the end of the log and, unless disabled, syncs it.
// The returned entry carries its offset.
func (l *Log) Append(e Entry) (Entry, error) {
	frame, err := encodeFrame(e)
	if err != nil {
		return Entry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Entry{}, ErrClosed
	}
	if _, err := l.file.WriteAt(frame, l.size); err != nil {
		// a partial write is cut off on the next open
		return Entry{}, fmt.Errorf("wal: write: %w", err)
	}
	if !l.cfg.noSync {
		if err := l.file.Sync(); err != nil {
			return Entry{}, fmt.Errorf("wal: sync: %w", err)
		}
	}
	e.Offset = l.size
	l.size += int64(len(frame))
	l.count++
	return e, nil
}

// Replay calls apply for every entry in append order. An apply error stops
// the walk and is returned as is.
func (l *Log) Replay(apply func(Entry) error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	size := l.size
	l.mu.Unlock()

	buf := make([]byte, size)
	if _, err := l.file.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("wal: read: %w", err)
	}
	var offset int
	for offset < len(buf) {
		entry, n, err := decodeFrame(buf[offset:])
		if err != nil {
			return fmt.Errorf("%w at offset %d", err, offset)
		}
		entry.Offset = int64(offset)
		if err := apply(entry); err != nil {
			return err
		}
		offset += n
	}
	return nil
}

// Close syncs and releases the file. Calling it twice is a no-op.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var syncErr error
	if !l.cfg.noSync {
		syncErr = l.file.Sync()
	}
	return errors.Join(syncErr, l.file.Close())
}
