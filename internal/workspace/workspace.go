// Package workspace tracks the open workspace folders and derives the
// resource keys under which engine handles are cached.
package workspace

import (
	"os"
	"strings"
	"sync"

	"go.lsp.dev/uri"
)

// Folder is one workspace folder served by the broker.
type Folder struct {
	Path string `yaml:"path"`
	Name string `yaml:"name,omitempty"`
}

// Change describes a mutation of the folder set.
type Change struct {
	Added   []Folder
	Removed []Folder
}

// Registry holds the current folder set and notifies subscribers of
// changes. Reads take a snapshot; subscribers run synchronously on the
// mutating goroutine and must not block.
type Registry struct {
	mu          sync.RWMutex
	folders     []Folder
	subscribers []func(Change)
}

func NewRegistry(folders ...Folder) *Registry {
	r := &Registry{}
	r.folders = append(r.folders, folders...)
	return r
}

// Folders returns a snapshot of the current folder set.
func (r *Registry) Folders() []Folder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Folder, len(r.folders))
	copy(out, r.folders)
	return out
}

// Add registers a folder. Adding an already registered path is a no-op.
func (r *Registry) Add(folder Folder) {
	r.mu.Lock()
	for _, f := range r.folders {
		if f.Path == folder.Path {
			r.mu.Unlock()
			return
		}
	}
	r.folders = append(r.folders, folder)
	subs := r.snapshotSubscribersLocked()
	r.mu.Unlock()

	change := Change{Added: []Folder{folder}}
	for _, fn := range subs {
		fn(change)
	}
}

// Remove deregisters the folder with the given path. Returns false when
// the path was not registered.
func (r *Registry) Remove(path string) bool {
	r.mu.Lock()
	idx := -1
	for i, f := range r.folders {
		if f.Path == path {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	removed := r.folders[idx]
	r.folders = append(r.folders[:idx], r.folders[idx+1:]...)
	subs := r.snapshotSubscribersLocked()
	r.mu.Unlock()

	change := Change{Removed: []Folder{removed}}
	for _, fn := range subs {
		fn(change)
	}
	return true
}

// Subscribe registers a change callback.
func (r *Registry) Subscribe(fn func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

func (r *Registry) snapshotSubscribersLocked() []func(Change) {
	subs := make([]func(Change), len(r.subscribers))
	copy(subs, r.subscribers)
	return subs
}

// ResolveFolder finds the folder owning a resource, preferring the longest
// matching path so nested folders win over their parents.
func (r *Registry) ResolveFolder(resource uri.URI) (Folder, bool) {
	path := resource.Filename()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Folder
	found := false
	for _, f := range r.folders {
		if f.Path == "" {
			continue
		}
		if path == f.Path || strings.HasPrefix(path, f.Path+string(os.PathSeparator)) {
			if !found || len(f.Path) > len(best.Path) {
				best = f
				found = true
			}
		}
	}
	return best, found
}

// FolderIdentifier returns the identifier of the folder owning a resource,
// or "" for a loose resource outside every folder.
func (r *Registry) FolderIdentifier(resource uri.URI) string {
	if folder, ok := r.ResolveFolder(resource); ok {
		return folder.Path
	}
	return ""
}

// KeyFor derives the cache key for a resource and optional interpreter.
// Resources in the same folder with the same interpreter share a key.
func (r *Registry) KeyFor(resource uri.URI, interpreter string) string {
	return MakeKey(r.FolderIdentifier(resource), interpreter)
}

// MakeKey builds a resource key from a folder identifier and interpreter.
func MakeKey(folderIdentifier, interpreter string) string {
	return folderIdentifier + "-" + interpreter
}

// KeyOwnedBy reports whether a cache key belongs to the given folder.
func KeyOwnedBy(key, folderPath string) bool {
	return strings.HasPrefix(key, folderPath+"-")
}
