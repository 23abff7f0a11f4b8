package storage

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/uhyunpark/lazybook/pkg/sequencer"
)

// FileWAL is an append-only text journal of sequencer steps. Each line is
// numbered; numbering continues across reopens.
type FileWAL struct {
	mu   sync.Mutex
	f    *os.File
	next uint64
}

func NewFileWAL(path string) (*FileWAL, error) {
	lines, err := countLines(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f, next: lines + 1}, nil
}

func countLines(path string) (uint64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var n uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

func (w *FileWAL) Append(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.f, "%08d %s\n", w.next, line)
	w.next++
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

var _ sequencer.WAL = (*FileWAL)(nil)
