package consensus

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/hf-timestd/internal/fsutil"
)

// Publisher replaces the consensus snapshot atomically, on disk and in
// memory, so readers only ever see a complete result.
type Publisher struct {
	fs     fsutil.FileSystem
	path   string
	latest atomic.Pointer[Result]
}

// NewPublisher writes snapshots to path. An empty path keeps the
// snapshot in memory only.
func NewPublisher(fsys fsutil.FileSystem, path string) *Publisher {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &Publisher{fs: fsys, path: path}
}

// Publish makes res the current snapshot.
func (p *Publisher) Publish(res Result) error {
	p.latest.Store(&res)
	if p.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal consensus snapshot: %w", err)
	}
	return fsutil.WriteFileAtomic(p.fs, p.path, data, 0o644)
}

// Latest returns the current snapshot.
func (p *Publisher) Latest() (Result, bool) {
	r := p.latest.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}

// ReadSnapshot loads a snapshot file written by Publish.
func ReadSnapshot(fsys fsutil.FileSystem, path string) (Result, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return res, nil
}
