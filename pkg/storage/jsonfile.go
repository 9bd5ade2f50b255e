package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ha1tch/archety/pkg/models"
)

const snapshotVersion = 1

// JSONFileStore is a MemoryStore persisted as a single JSON snapshot,
// rewritten after every commit. Suitable for development and small graphs.
type JSONFileStore struct {
	*MemoryStore
	path string
}

type jsonSnapshot struct {
	Version    int             `json:"version"`
	NextHandle int64           `json:"next_handle"`
	NextEdge   int64           `json:"next_edge"`
	Entities   []models.Entity `json:"entities"`
	Edges      []models.Edge   `json:"edges"`
}

// NewJSONFileStore opens (or creates) a snapshot-backed store at path
func NewJSONFileStore(path string) (*JSONFileStore, error) {
	if path == "" {
		path = filepath.Join("data", "archety.json")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &JSONFileStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.MemoryStore.onCommit = s.save
	return s, nil
}

// Info returns store information
func (s *JSONFileStore) Info() StoreInfo {
	return StoreInfo{
		Type:             "jsonfile",
		Version:          "1.0",
		SupportsExport:   true,
		PersistentOnDisk: true,
	}
}

// Path returns the snapshot file path
func (s *JSONFileStore) Path() string {
	return s.path
}

// load restores the snapshot if the file exists
func (s *JSONFileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // File doesn't exist yet, that's okay
		}
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap jsonSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse snapshot %s: %w", s.path, err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	m := s.MemoryStore
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range snap.Entities {
		e := snap.Entities[i]
		m.entities[e.Handle] = &e
		m.keys[entityKey{e.Kind, e.Key}] = e.Handle
		for name, value := range e.Attrs {
			k := attrKey{e.Kind, name, value}
			if _, taken := m.attrs[k]; !taken {
				m.attrs[k] = e.Handle
			}
		}
	}
	for i := range snap.Edges {
		e := snap.Edges[i]
		m.edges[e.ID] = &e
		m.index.AddEdge(e.Source, e.Target, e.Type, e.ID)
	}
	m.nextHandle = snap.NextHandle
	m.nextEdge = snap.NextEdge
	return nil
}

// save writes the snapshot to a temp file and renames it over the old one
func (s *JSONFileStore) save() error {
	m := s.MemoryStore
	m.mu.RLock()
	snap := jsonSnapshot{
		Version:    snapshotVersion,
		NextHandle: m.nextHandle,
		NextEdge:   m.nextEdge,
		Entities:   make([]models.Entity, 0, len(m.entities)),
		Edges:      make([]models.Edge, 0, len(m.edges)),
	}
	for _, e := range m.entities {
		snap.Entities = append(snap.Entities, *e)
	}
	for _, e := range m.edges {
		snap.Edges = append(snap.Edges, *e)
	}
	m.mu.RUnlock()

	tempFile := s.path + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := json.NewEncoder(writer).Encode(&snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}
	return os.Rename(tempFile, s.path)
}
