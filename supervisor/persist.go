package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/executor"
)

// runtimeFile is the on-disk form of the running handles.
type runtimeFile struct {
	Version int               `json:"version"`
	Tunnels []executor.Record `json:"tunnels"`
}

const runtimeFileVersion = 1

func (s *Supervisor) runtimePath() string {
	if s.opts.StateDir == "" {
		return ""
	}
	return filepath.Join(s.opts.StateDir, common.RuntimeFileName)
}

// persist writes the handles of running tunnels. Failures are logged;
// the in-memory state stays authoritative.
func (s *Supervisor) persist() {
	path := s.runtimePath()
	if path == "" {
		return
	}

	s.mu.RLock()
	doc := runtimeFile{Version: runtimeFileVersion, Tunnels: []executor.Record{}}
	for _, e := range s.entries {
		if e.handle != nil && e.state.Status.Active() {
			doc.Tunnels = append(doc.Tunnels, e.handle.Snapshot())
		}
	}
	s.mu.RUnlock()
	sort.Slice(doc.Tunnels, func(i, j int) bool { return doc.Tunnels[i].TunnelID < doc.Tunnels[j].TunnelID })

	if err := writeJSON(path, doc); err != nil {
		common.LogError("Supervisor: failed to persist runtime state: %v", err)
	}
}

func (s *Supervisor) load() ([]executor.Record, error) {
	path := s.runtimePath()
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var doc runtimeFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Version != runtimeFileVersion {
		return nil, fmt.Errorf("%s has unsupported version %d", path, doc.Version)
	}
	return doc.Tunnels, nil
}

func writeJSON(path string, v interface{}) (err error) {
	if err := common.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".runtime-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
