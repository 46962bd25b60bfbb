package log

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogAppender is one log output destination. Write receives a complete,
// newline-terminated line; Refresh reopens or rotates the destination.
type LogAppender interface {
	Write(line []byte)
	Refresh()
	Close()
}

// ConsoleAppender writes lines to stdout.
type ConsoleAppender struct {
	mu sync.Mutex
}

// NewConsoleAppender ...
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

// Write ...
func (a *ConsoleAppender) Write(line []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = os.Stdout.Write(line)
}

// Refresh ...
func (a *ConsoleAppender) Refresh() {}

// Close ...
func (a *ConsoleAppender) Close() {}

// FileAppender writes lines to a log file with size-based rotation and
// optional asynchronous buffered writes for high-throughput servers.
type FileAppender struct {
	mu       sync.Mutex
	path     string
	splitMB  int
	file     *os.File
	written  int64
	async    bool
	lines    chan []byte
	closed   chan struct{}
	closeOne sync.Once
}

// NewFileAppender creates a file appender from cfg. Directories are
// created on demand; open failures fall back to dropping lines rather
// than failing the caller.
func NewFileAppender(cfg *LogCfg) *FileAppender {
	a := &FileAppender{
		path:    cfg.LogPath,
		splitMB: cfg.FileSplitMB,
		async:   cfg.IsAsync,
		closed:  make(chan struct{}),
	}
	if a.splitMB <= 0 {
		a.splitMB = 50
	}
	if a.async {
		size := cfg.AsyncCacheSize
		if size <= 0 {
			size = 1024
		}
		a.lines = make(chan []byte, size)
		interval := cfg.AsyncWriteMillSec
		if interval <= 0 {
			interval = 200
		}
		go a.serveWrite(time.Duration(interval) * time.Millisecond)
	}
	return a
}

func (a *FileAppender) serveWrite(flushEvery time.Duration) {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	var pending [][]byte
	flush := func() {
		for _, line := range pending {
			a.writeDirect(line)
		}
		pending = pending[:0]
	}

	for {
		select {
		case line := <-a.lines:
			pending = append(pending, line)
			if len(pending) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.closed:
			for {
				select {
				case line := <-a.lines:
					pending = append(pending, line)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Write ...
func (a *FileAppender) Write(line []byte) {
	if a.async {
		// drop on overflow, logging must never block the server
		cp := append([]byte(nil), line...)
		select {
		case a.lines <- cp:
		default:
		}
		return
	}
	a.writeDirect(line)
}

func (a *FileAppender) writeDirect(line []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil && !a.open() {
		return
	}
	if a.written > int64(a.splitMB)<<20 {
		a.rotate()
	}
	n, err := a.file.Write(line)
	if err != nil {
		return
	}
	a.written += int64(n)
}

// open must be called with mu held.
func (a *FileAppender) open() bool {
	if dir := filepath.Dir(a.path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false
	}
	a.file = f
	if st, err := f.Stat(); err == nil {
		a.written = st.Size()
	}
	return true
}

// rotate must be called with mu held.
func (a *FileAppender) rotate() {
	_ = a.file.Close()
	a.file = nil
	rotated := a.path + "." + time.Now().Format("20060102T150405")
	_ = os.Rename(a.path, rotated)
	a.written = 0
	a.open()
}

// Refresh reopens the file, picking up path changes after hot reload.
func (a *FileAppender) Refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
}

// Close ...
func (a *FileAppender) Close() {
	a.closeOne.Do(func() {
		close(a.closed)
	})
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
}
