package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLedger keeps a month-keyed JSON document on disk.
// Writers are serialised in-process by a mutex and across processes by an flock on a sidecar file.
type FileLedger struct {
	path string
	mu   sync.Mutex
}

func NewFileLedger(path string) (*FileLedger, error) {
	if path == "" {
		return nil, fmt.Errorf("budget ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &FileLedger{path: path}, nil
}

// Path returns the ledger file location.
func (l *FileLedger) Path() string { return l.path }

func (l *FileLedger) Append(_ context.Context, month string, entry CostEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	unlock, err := lockFile(l.path+".lock", true)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := l.read()
	if err != nil {
		return err
	}
	doc[month] = append(doc[month], entry)
	return l.write(doc)
}

func (l *FileLedger) Entries(_ context.Context, month string) ([]CostEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	unlock, err := lockFile(l.path+".lock", false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := l.read()
	if err != nil {
		return nil, err
	}
	return doc[month], nil
}

func (l *FileLedger) read() (map[string][]CostEntry, error) {
	doc := map[string][]CostEntry{}
	b, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if len(b) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", l.path, err)
	}
	return doc, nil
}

// write replaces the ledger atomically via a temp file in the same directory.
func (l *FileLedger) write(doc map[string][]CostEntry) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".ledger-*")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), l.path)
}
