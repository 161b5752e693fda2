package registration

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// FileStore is a MemoryStore snapshotted to a JSON file after every append.
type FileStore struct {
	*MemoryStore
	path string
}

type fileLedgerState struct {
	Tables []fileLedgerTable `json:"tables"`
}

type fileLedgerTable struct {
	ID    int64      `json:"id"`
	Title string     `json:"title"`
	Rows  [][]string `json:"rows"`
}

func NewFileStore(path string, specs ...MemoryTableSpec) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{path: path}
	loaded, err := s.load()
	if err != nil {
		return nil, err
	}
	if len(loaded) > 0 {
		specs = make([]MemoryTableSpec, 0, len(loaded))
		for _, table := range loaded {
			specs = append(specs, MemoryTableSpec{ID: table.ID, Title: table.Title})
		}
	}
	s.MemoryStore = NewMemoryStore(specs...)
	for i, table := range loaded {
		s.MemoryStore.tables[i].rows = cloneRows(table.Rows)
	}
	s.MemoryStore.persist = s.saveLocked
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) load() ([]fileLedgerTable, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state fileLedgerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return state.Tables, nil
}

// saveLocked is called with the memory store's mutex held.
func (s *FileStore) saveLocked() error {
	state := fileLedgerState{Tables: make([]fileLedgerTable, 0, len(s.MemoryStore.tables))}
	for _, table := range s.MemoryStore.tables {
		state.Tables = append(state.Tables, fileLedgerTable{
			ID:    table.id,
			Title: table.title,
			Rows:  table.rows,
		})
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
