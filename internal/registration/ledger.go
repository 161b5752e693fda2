package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultExternalTableID is the stable sheet id of the external table in the
// production spreadsheet.
const DefaultExternalTableID int64 = 1179914067

// Store is an external tabular ledger. Open authenticates and returns a
// handle to the ledger document; it is called once per write.
type Store interface {
	Open(ctx context.Context) (Document, error)
	Close() error
}

type Document interface {
	TableByIndex(ctx context.Context, index int) (Table, error)
	TableByID(ctx context.Context, id int64) (Table, error)
}

// Table is one sheet of the ledger. Rows are append-only.
type Table interface {
	ID() int64
	Title() string
	FirstRow(ctx context.Context) ([]string, error)
	Rows(ctx context.Context) ([][]string, error)
	AppendRow(ctx context.Context, row []string) error
}

type TableLayout struct {
	InternalIndex int
	ExternalID    int64
	ExternalIndex int
}

func DefaultTableLayout() TableLayout {
	return TableLayout{
		InternalIndex: 0,
		ExternalID:    DefaultExternalTableID,
		ExternalIndex: 1,
	}
}

// ResolveTable finds the table for kind. The external table is looked up by
// its stable id first and by position when that fails.
func ResolveTable(ctx context.Context, doc Document, kind Kind, layout TableLayout) (Table, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: no ledger document", ErrTableNotFound)
	}
	switch kind {
	case KindInternal:
		table, err := doc.TableByIndex(ctx, layout.InternalIndex)
		if err != nil {
			return nil, tableNotFound(kind, err)
		}
		return table, nil
	case KindExternal:
		if table, err := doc.TableByID(ctx, layout.ExternalID); err == nil {
			return table, nil
		}
		table, err := doc.TableByIndex(ctx, layout.ExternalIndex)
		if err != nil {
			return nil, tableNotFound(kind, err)
		}
		return table, nil
	default:
		return nil, fmt.Errorf("%w: invalid sheet type %q", ErrTableNotFound, kind)
	}
}

func tableNotFound(kind Kind, err error) error {
	if errors.Is(err, ErrTableNotFound) {
		return fmt.Errorf("failed to open %s worksheet: %w", kind, err)
	}
	return fmt.Errorf("%w: failed to open %s worksheet: %v", ErrTableNotFound, kind, err)
}

type MemoryTableSpec struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// MemoryStore keeps the ledger in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	tables []*memoryTable

	// persist runs under mu after every append; a failure undoes the append.
	persist func() error
}

type memoryTable struct {
	store *MemoryStore
	id    int64
	title string
	rows  [][]string
}

func NewMemoryStore(specs ...MemoryTableSpec) *MemoryStore {
	if len(specs) == 0 {
		specs = []MemoryTableSpec{
			{ID: 0, Title: string(KindInternal)},
			{ID: DefaultExternalTableID, Title: string(KindExternal)},
		}
	}
	s := &MemoryStore{}
	for _, spec := range specs {
		s.tables = append(s.tables, &memoryTable{store: s, id: spec.ID, title: spec.Title})
	}
	return s
}

func (s *MemoryStore) Open(ctx context.Context) (Document, error) {
	return memoryDocument{store: s}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// TableRows returns a copy of the rows of the table at index.
func (s *MemoryStore) TableRows(index int) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.tables) {
		return nil
	}
	return cloneRows(s.tables[index].rows)
}

type memoryDocument struct {
	store *MemoryStore
}

func (d memoryDocument) TableByIndex(ctx context.Context, index int) (Table, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	if index < 0 || index >= len(d.store.tables) {
		return nil, fmt.Errorf("%w: index %d", ErrTableNotFound, index)
	}
	return d.store.tables[index], nil
}

func (d memoryDocument) TableByID(ctx context.Context, id int64) (Table, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	for _, table := range d.store.tables {
		if table.id == id {
			return table, nil
		}
	}
	return nil, fmt.Errorf("%w: id %d", ErrTableNotFound, id)
}

func (t *memoryTable) ID() int64 {
	return t.id
}

func (t *memoryTable) Title() string {
	return t.title
}

func (t *memoryTable) FirstRow(ctx context.Context) ([]string, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if len(t.rows) == 0 {
		return nil, nil
	}
	return append([]string(nil), t.rows[0]...), nil
}

func (t *memoryTable) Rows(ctx context.Context) ([][]string, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return cloneRows(t.rows), nil
}

func (t *memoryTable) AppendRow(ctx context.Context, row []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.rows = append(t.rows, append([]string(nil), row...))
	if t.store.persist != nil {
		if err := t.store.persist(); err != nil {
			t.rows = t.rows[:len(t.rows)-1]
			return err
		}
	}
	return nil
}

func cloneRows(rows [][]string) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, append([]string(nil), row...))
	}
	return out
}
