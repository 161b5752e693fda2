package registration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresLedgerTablesName = "registrar_tables"
	postgresLedgerRowsName   = "registrar_rows"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps each ledger table as ordered rows of JSON-encoded
// cells. Tables are seeded from specs on first use.
type PostgresStore struct {
	dsn        string
	tablesName string
	rowsName   string
	specs      []MemoryTableSpec
	openDB     sqlOpenFunc

	// mu guards db. A failed initialization leaves db nil so the next Open
	// tries again.
	mu sync.Mutex
	db *sql.DB
}

func NewPostgresStore(dsn string, specs ...MemoryTableSpec) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if len(specs) == 0 {
		specs = defaultTableSpecs(DefaultTableLayout())
	}
	return &PostgresStore{
		dsn:        dsn,
		tablesName: postgresLedgerTablesName,
		rowsName:   postgresLedgerRowsName,
		specs:      append([]MemoryTableSpec(nil), specs...),
		openDB:     sql.Open,
	}, nil
}

func (s *PostgresStore) Open(ctx context.Context) (Document, error) {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	return postgresDocument{store: s, db: db}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PostgresStore) ensureReady(ctx context.Context) (*sql.DB, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := s.initialize(ctx)
	if err != nil {
		return nil, err
	}
	s.db = db
	return db, nil
}

func (s *PostgresStore) initialize(ctx context.Context) (*sql.DB, error) {
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				table_id BIGINT PRIMARY KEY,
				position INT NOT NULL UNIQUE,
				title TEXT NOT NULL
			)`, postgresQuoteIdentifier(s.tablesName)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				table_id BIGINT NOT NULL,
				cells TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.rowsName)),
		fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (table_id, id)",
			postgresQuoteIdentifier(s.rowsName+"_table_id_id_idx"),
			postgresQuoteIdentifier(s.rowsName),
		),
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	seed := fmt.Sprintf(`
		INSERT INTO %s (table_id, position, title)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, postgresQuoteIdentifier(s.tablesName))
	for position, spec := range s.specs {
		if _, err := db.ExecContext(ctx, seed, spec.ID, position, spec.Title); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

type postgresDocument struct {
	store *PostgresStore
	db    *sql.DB
}

func (d postgresDocument) TableByIndex(ctx context.Context, index int) (Table, error) {
	query := fmt.Sprintf("SELECT table_id, title FROM %s WHERE position = $1", postgresQuoteIdentifier(d.store.tablesName))
	return d.lookup(ctx, query, index)
}

func (d postgresDocument) TableByID(ctx context.Context, id int64) (Table, error) {
	query := fmt.Sprintf("SELECT table_id, title FROM %s WHERE table_id = $1", postgresQuoteIdentifier(d.store.tablesName))
	return d.lookup(ctx, query, id)
}

func (d postgresDocument) lookup(ctx context.Context, query string, arg any) (Table, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	table := &postgresTable{store: d.store, db: d.db}
	err := d.db.QueryRowContext(ctx, query, arg).Scan(&table.id, &table.title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrTableNotFound, arg)
	}
	if err != nil {
		return nil, err
	}
	return table, nil
}

type postgresTable struct {
	store *PostgresStore
	db    *sql.DB
	id    int64
	title string
}

func (t *postgresTable) ID() int64 {
	return t.id
}

func (t *postgresTable) Title() string {
	return t.title
}

func (t *postgresTable) FirstRow(ctx context.Context) ([]string, error) {
	rows, err := t.query(ctx, "LIMIT 1")
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (t *postgresTable) Rows(ctx context.Context) ([][]string, error) {
	return t.query(ctx, "")
}

func (t *postgresTable) AppendRow(ctx context.Context, row []string) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("INSERT INTO %s (table_id, cells, created_at) VALUES ($1, $2, NOW())", postgresQuoteIdentifier(t.store.rowsName))
	_, err = t.db.ExecContext(ctx, query, t.id, string(payload))
	return err
}

func (t *postgresTable) query(ctx context.Context, suffix string) ([][]string, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT cells FROM %s WHERE table_id = $1 ORDER BY id ASC %s", postgresQuoteIdentifier(t.store.rowsName), suffix)
	result, err := t.db.QueryContext(ctx, query, t.id)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	rows := make([][]string, 0)
	for result.Next() {
		var payload string
		if err := result.Scan(&payload); err != nil {
			return nil, err
		}
		var cells []string
		if err := json.Unmarshal([]byte(payload), &cells); err != nil {
			return nil, err
		}
		rows = append(rows, cells)
	}
	return rows, result.Err()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
