// Package registry stores tunnel configuration documents.
// Each tunnel lives in its own JSON file, <dir>/<id>.json, replaced
// atomically on every mutation. Deleting a tunnel leaves a hidden
// tombstone, <dir>/.<id>.deleted, so its id is never handed out again.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/tunnel"
)

const (
	docExt       = ".json"
	tombstoneExt = ".deleted"
)

// Registry manages the tunnel documents in one directory.
// It is safe for concurrent use within a process; documents written by
// other processes are picked up on the next read.
type Registry struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// New opens the registry rooted at dir, creating it if needed.
func New(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create tunnels directory: %w", err)
	}
	return &Registry{dir: dir, now: time.Now}, nil
}

// Open opens the registry below the application data directory.
func Open(dataDir string) (*Registry, error) {
	return New(filepath.Join(dataDir, common.TunnelsDirName))
}

// Dir returns the directory holding the documents.
func (r *Registry) Dir() string {
	return r.dir
}

// Create validates and stores a new tunnel. An empty id is replaced by a
// fresh one. It returns the id of the stored document.
func (r *Registry) Create(cfg *tunnel.Config) (string, error) {
	doc := cfg.Clone()
	if doc.ID == "" {
		doc.ID = common.GenerateID()
	}
	if err := doc.Validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.path(doc.ID)
	if common.FileExists(path) {
		return "", fmt.Errorf("%w: tunnel %s already exists", common.ErrConflict, doc.ID)
	}
	if common.FileExists(r.tombstone(doc.ID)) {
		return "", fmt.Errorf("%w: id %s belonged to a deleted tunnel", common.ErrConflict, doc.ID)
	}

	now := r.now().Unix()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Peers == nil {
		doc.Peers = []tunnel.Peer{}
	}

	if err := writeAtomic(path, doc); err != nil {
		return "", err
	}
	common.LogInfo("Created tunnel %s (%s)", doc.Name, doc.ID)
	return doc.ID, nil
}

// Update replaces an existing document. The mode cannot change.
func (r *Registry) Update(cfg *tunnel.Config) error {
	if !common.IsValidID(cfg.ID) {
		return fmt.Errorf("%w: invalid tunnel id %q", common.ErrConfigInvalid, cfg.ID)
	}
	doc := cfg.Clone()
	if err := doc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.read(doc.ID)
	if err != nil {
		return err
	}
	if current.Mode != doc.Mode {
		return fmt.Errorf("%w: mode of tunnel %s cannot change from %s to %s",
			common.ErrConfigInvalid, doc.ID, current.Mode, doc.Mode)
	}

	doc.CreatedAt = current.CreatedAt
	doc.UpdatedAt = r.now().Unix()
	if doc.Peers == nil {
		doc.Peers = []tunnel.Peer{}
	}

	if err := writeAtomic(r.path(doc.ID), doc); err != nil {
		return err
	}
	common.LogDebug("Updated tunnel %s (%s)", doc.Name, doc.ID)
	return nil
}

// Delete removes a document.
func (r *Registry) Delete(id string) error {
	if !common.IsValidID(id) {
		return fmt.Errorf("%w: tunnel %q", common.ErrNotFound, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: tunnel %s", common.ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete tunnel %s: %w", id, err)
	}
	if err := os.WriteFile(r.tombstone(id), nil, 0600); err != nil {
		common.LogWarn("Could not record deleted tunnel id %s: %v", id, err)
	}
	common.LogInfo("Deleted tunnel %s", id)
	return nil
}

// Get returns the full document including key material.
func (r *Registry) Get(id string) (*tunnel.Config, error) {
	if !common.IsValidID(id) {
		return nil, fmt.Errorf("%w: tunnel %q", common.ErrNotFound, id)
	}
	return r.read(id)
}

// Exists reports whether a document with id is stored.
func (r *Registry) Exists(id string) bool {
	return common.IsValidID(id) && common.FileExists(r.path(id))
}

// List returns the summaries of every readable document sorted by name.
func (r *Registry) List() ([]tunnel.Summary, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read tunnels directory: %w", err)
	}

	summaries := make([]tunnel.Summary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, docExt) || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, docExt)
		if !common.IsValidID(id) {
			continue
		}
		doc, err := r.read(id)
		if err != nil {
			common.LogWarn("Skipping unreadable tunnel document %s: %v", name, err)
			continue
		}
		summaries = append(summaries, doc.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		a, b := strings.ToLower(summaries[i].Name), strings.ToLower(summaries[j].Name)
		if a != b {
			return a < b
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries, nil
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.dir, id+docExt)
}

func (r *Registry) tombstone(id string) string {
	return filepath.Join(r.dir, "."+id+tombstoneExt)
}

func (r *Registry) read(id string) (*tunnel.Config, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: tunnel %s", common.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read tunnel %s: %w", id, err)
	}

	var doc tunnel.Config
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse tunnel %s: %w", id, err)
	}
	if doc.ID == "" {
		doc.ID = id
	}
	if doc.ID != id {
		return nil, fmt.Errorf("tunnel document %s carries id %s", id, doc.ID)
	}
	return &doc, nil
}

// writeAtomic writes doc to a temp file in the target directory, syncs it
// and renames it over path, so readers see either the old or new document.
func writeAtomic(path string, doc *tunnel.Config) (err error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize tunnel: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write tunnel: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync tunnel: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close tunnel: %w", err)
	}
	if err = os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace tunnel: %w", err)
	}
	return nil
}

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
