// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package checkpoint

import (
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"

	unierrors "github.com/kraklabs/unimem/internal/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileStore persists each checkpoint as its own JSON file under basePath,
// named by id, and keeps the same in-memory scope index as MemStore so
// LoadLatest/List/retention pruning don't need to re-scan the directory on
// every call.
type FileStore struct {
	basePath string
	mem      *MemStore
	mu       sync.Mutex
}

// NewFileStore constructs a FileStore rooted at basePath, loading any
// checkpoints already on disk.
func NewFileStore(basePath string, maxCheckpoints int) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, unierrors.Wrap(unierrors.KindUnknown, "create checkpoint directory", err)
	}
	fs := &FileStore{basePath: basePath, mem: NewMemStore(maxCheckpoints)}
	if err := fs.loadAll(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) pathFor(id string) string {
	return filepath.Join(fs.basePath, id+".json")
}

func (fs *FileStore) loadAll() error {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return unierrors.Wrap(unierrors.KindUnknown, "list checkpoint directory", err)
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.basePath, de.Name()))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		_ = fs.mem.Save(cp)
	}
	return nil
}

// Save persists cp to disk and updates the in-memory scope index,
// including retention pruning.
func (fs *FileStore) Save(cp Checkpoint) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return unierrors.Wrap(unierrors.KindUnknown, "marshal checkpoint", err)
	}
	if err := os.WriteFile(fs.pathFor(cp.ID), data, 0o640); err != nil {
		return unierrors.Wrap(unierrors.KindUnknown, "write checkpoint", err)
	}

	before := fs.mem.List(cp.TaskID, cp.WorkerID)
	if err := fs.mem.Save(cp); err != nil {
		return err
	}
	after := fs.mem.List(cp.TaskID, cp.WorkerID)
	fs.removePrunedLocked(before, after)
	return nil
}

// removePrunedLocked deletes on-disk files for checkpoints that were
// evicted from the in-memory index by retention pruning.
func (fs *FileStore) removePrunedLocked(before, after []Checkpoint) {
	stillPresent := make(map[string]bool, len(after))
	for _, cp := range after {
		stillPresent[cp.ID] = true
	}
	for _, cp := range before {
		if !stillPresent[cp.ID] {
			_ = os.Remove(fs.pathFor(cp.ID))
		}
	}
}

func (fs *FileStore) Load(id string) (Checkpoint, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mem.Load(id)
}

func (fs *FileStore) LoadLatest(taskID, workerID string) (Checkpoint, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mem.LoadLatest(taskID, workerID)
}

func (fs *FileStore) List(taskID, workerID string) []Checkpoint {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mem.List(taskID, workerID)
}

func (fs *FileStore) Delete(id string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	cp, ok := fs.mem.Load(id)
	if !ok {
		return false
	}
	_ = os.Remove(fs.pathFor(cp.ID))
	return fs.mem.Delete(id)
}

func (fs *FileStore) DeleteAll(taskID, workerID string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, cp := range fs.mem.List(taskID, workerID) {
		_ = os.Remove(fs.pathFor(cp.ID))
	}
	return fs.mem.DeleteAll(taskID, workerID)
}
