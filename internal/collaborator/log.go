package collaborator

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"
)

// LogSource is the shared, append-only output stream a collaborator writes
// its result lines to.
type LogSource interface {
	Lines() ([]string, error)
}

// FileLog reads a collaborator output file. A file that does not exist yet
// has no lines.
type FileLog struct {
	Path string
}

func (f FileLog) Lines() ([]string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return splitLines(string(data)), nil
}

// MemoryLog is an in-memory LogSource.
type MemoryLog struct {
	mu    sync.Mutex
	lines []string
}

func (m *MemoryLog) Append(lines ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, lines...)
}

func (m *MemoryLog) Lines() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...), nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// SplitOutput splits a command's standard output into lines.
func SplitOutput(stdout string) []string {
	return splitLines(strings.ReplaceAll(stdout, "\r\n", "\n"))
}
