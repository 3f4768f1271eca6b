package log

import (
	"fmt"
	"os"
	"sync"
)

// FileLogger appends events to a file as consecutive CBOR records.
//
// Each record is encoded before the file is touched and written with a
// single call, so a failed encode never leaves a partial record behind.
// Failures are counted rather than returned because Log has no caller to
// report to; Err returns the first write failure.
type FileLogger struct {
	mu      sync.Mutex
	file    *os.File
	closed  bool
	written uint64
	dropped uint64
	err     error
}

// NewFileLogger opens path for appending, creating it with mode 0644.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	return &FileLogger{file: f}, nil
}

// Log appends event. Events logged after Close are ignored.
func (l *FileLogger) Log(event Event) {
	record, encErr := EncodeEvent(event)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if encErr != nil {
		l.dropped++
		return
	}
	if _, err := l.file.Write(record); err != nil {
		l.dropped++
		if l.err == nil {
			l.err = err
		}
		return
	}
	l.written++
}

// Close syncs and closes the file. Further calls return nil.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	syncErr := l.file.Sync()
	if err := l.file.Close(); err != nil {
		return err
	}
	return syncErr
}

// Written returns how many events were appended.
func (l *FileLogger) Written() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// Dropped returns how many events could not be encoded or written.
func (l *FileLogger) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Err returns the first write error, if any.
func (l *FileLogger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

var _ Logger = (*FileLogger)(nil)
