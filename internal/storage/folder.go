package storage

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// FolderCache remembers resolved folder IDs for the lifetime of the process.
// Concurrent first lookups of the same name share one backend call, so a
// single process never creates a folder twice. Separate processes can still
// race; a folder deleted remotely is not noticed until Forget is called.
type FolderCache struct {
	backend Backend
	group   singleflight.Group

	mu  sync.RWMutex
	ids map[string]FolderID
}

func NewFolderCache(backend Backend) *FolderCache {
	return &FolderCache{backend: backend, ids: make(map[string]FolderID)}
}

// Resolve returns the cached ID for name, looking it up (and creating the
// folder if needed) on first use. Failures are not cached.
func (c *FolderCache) Resolve(ctx context.Context, name string) (FolderID, error) {
	c.mu.RLock()
	id, ok := c.ids[name]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		id, err := c.backend.FindOrCreateFolder(ctx, name)
		if err != nil {
			return FolderID(""), err
		}
		c.mu.Lock()
		c.ids[name] = id
		c.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(FolderID), nil
}

// Forget drops the cached ID for name so the next Resolve asks the backend.
func (c *FolderCache) Forget(name string) {
	c.mu.Lock()
	delete(c.ids, name)
	c.mu.Unlock()
}
