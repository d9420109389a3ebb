package event

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	errStoreClosed = errors.New("event: log closed")
	errStoreNil    = errors.New("event: log is nil")
)

// FileLog 以 JSONL 形式追加规范事件，便于回放一次调用的完整事件流。
type FileLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenFileLog 打开（必要时创建）事件日志文件。
func OpenFileLog(path string) (*FileLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("event: log path is empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("event: create dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("event: open log: %w", err)
	}
	return &FileLog{path: path, file: file}, nil
}

// Send implements Sink by appending one JSON line per event.
func (l *FileLog) Send(_ context.Context, evt Event) error {
	if l == nil {
		return errStoreNil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("event: marshal event: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errStoreClosed
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("event: append: %w", err)
	}
	if evt.Terminal() {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("event: sync: %w", err)
		}
	}
	return nil
}

// Path returns the backing file path.
func (l *FileLog) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close flushes and closes the file.
func (l *FileLog) Close() error {
	if l == nil {
		return errStoreNil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	return errors.Join(syncErr, closeErr)
}

// ReadFileLog replays a log written by FileLog. A truncated final line is
// ignored.
func ReadFileLog(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("event: read log: %w", err)
	}
	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			if !bytes.HasSuffix(data, []byte("\n")) && bytes.HasSuffix(bytes.TrimSpace(data), line) {
				break
			}
			return nil, fmt.Errorf("event: decode log line: %w", err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("event: scan log: %w", err)
	}
	return events, nil
}
