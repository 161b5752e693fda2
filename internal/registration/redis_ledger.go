package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisNamespace = "default"

// RedisStore keeps the ledger in Redis lists. All keys and channels are
// namespaced so several ledgers can share one database.
//
//	registrar:{ns}:tables           list of table specs in position order
//	registrar:{ns}:table:{id}:rows  list of JSON-encoded rows
//	registrar:{ns}:ledger_events    channel receiving every appended row
type RedisStore struct {
	rdb       *redis.Client
	namespace string
	specs     []MemoryTableSpec
}

// NewRedisStore returns an error if namespace is empty.
func NewRedisStore(opts *redis.Options, namespace string, specs ...MemoryTableSpec) (*RedisStore, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, fmt.Errorf("%w: redis namespace cannot be empty", ErrInvalidInput)
	}
	if len(specs) == 0 {
		specs = defaultTableSpecs(DefaultTableLayout())
	}
	return &RedisStore{
		rdb:       redis.NewClient(opts),
		namespace: strings.TrimSpace(namespace),
		specs:     append([]MemoryTableSpec(nil), specs...),
	}, nil
}

// NewRedisStoreFromURL accepts redis://host:port/db?namespace=name. The
// namespace parameter is removed before go-redis parses the URL.
func NewRedisStoreFromURL(dsn string, specs ...MemoryTableSpec) (*RedisStore, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	namespace := strings.TrimSpace(query.Get("namespace"))
	if namespace == "" {
		namespace = defaultRedisNamespace
	}
	query.Del("namespace")
	parsed.RawQuery = query.Encode()
	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewRedisStore(opts, namespace, specs...)
}

func RedisTablesKey(namespace string) string {
	return fmt.Sprintf("registrar:%s:tables", namespace)
}

func RedisRowsKey(namespace string, tableID int64) string {
	return fmt.Sprintf("registrar:%s:table:%d:rows", namespace, tableID)
}

func RedisLedgerEventsChannel(namespace string) string {
	return fmt.Sprintf("registrar:%s:ledger_events", namespace)
}

// Open verifies connectivity and seeds the table list on an empty database.
func (s *RedisStore) Open(ctx context.Context) (Document, error) {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach Redis: %w", err)
	}
	key := RedisTablesKey(s.namespace)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read table list: %w", err)
	}
	if exists == 0 {
		values := make([]any, 0, len(s.specs))
		for _, spec := range s.specs {
			encoded, err := json.Marshal(spec)
			if err != nil {
				return nil, err
			}
			values = append(values, string(encoded))
		}
		if err := s.rdb.RPush(ctx, key, values...).Err(); err != nil {
			return nil, fmt.Errorf("failed to seed table list: %w", err)
		}
	}
	return redisDocument{store: s}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

type redisDocument struct {
	store *RedisStore
}

func (d redisDocument) TableByIndex(ctx context.Context, index int) (Table, error) {
	raw, err := d.store.rdb.LIndex(ctx, RedisTablesKey(d.store.namespace), int64(index)).Result()
	if errors.Is(err, redis.Nil) || index < 0 {
		return nil, fmt.Errorf("%w: index %d", ErrTableNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read table list: %w", err)
	}
	return d.decode(raw)
}

func (d redisDocument) TableByID(ctx context.Context, id int64) (Table, error) {
	entries, err := d.store.rdb.LRange(ctx, RedisTablesKey(d.store.namespace), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read table list: %w", err)
	}
	for _, raw := range entries {
		table, err := d.decode(raw)
		if err != nil {
			return nil, err
		}
		if table.ID() == id {
			return table, nil
		}
	}
	return nil, fmt.Errorf("%w: id %d", ErrTableNotFound, id)
}

func (d redisDocument) decode(raw string) (Table, error) {
	var spec MemoryTableSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, fmt.Errorf("failed to decode table spec: %w", err)
	}
	return &redisTable{store: d.store, id: spec.ID, title: spec.Title}, nil
}

type redisTable struct {
	store *RedisStore
	id    int64
	title string
}

func (t *redisTable) ID() int64 {
	return t.id
}

func (t *redisTable) Title() string {
	return t.title
}

func (t *redisTable) FirstRow(ctx context.Context) ([]string, error) {
	raw, err := t.store.rdb.LIndex(ctx, RedisRowsKey(t.store.namespace, t.id), 0).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read first row: %w", err)
	}
	return decodeRedisRow(raw)
}

func (t *redisTable) Rows(ctx context.Context) ([][]string, error) {
	entries, err := t.store.rdb.LRange(ctx, RedisRowsKey(t.store.namespace, t.id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	rows := make([][]string, 0, len(entries))
	for _, raw := range entries {
		row, err := decodeRedisRow(raw)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// AppendRow pushes the row and then publishes it. Publishing is best effort
// since the row is already written.
func (t *redisTable) AppendRow(ctx context.Context, row []string) error {
	encoded, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if err := t.store.rdb.RPush(ctx, RedisRowsKey(t.store.namespace, t.id), string(encoded)).Err(); err != nil {
		return fmt.Errorf("failed to append row: %w", err)
	}
	event, err := json.Marshal(struct {
		TableID int64    `json:"table_id"`
		Row     []string `json:"row"`
	}{TableID: t.id, Row: row})
	if err != nil {
		return err
	}
	_ = t.store.rdb.Publish(ctx, RedisLedgerEventsChannel(t.store.namespace), event).Err()
	return nil
}

func decodeRedisRow(raw string) ([]string, error) {
	var row []string
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return row, nil
}
