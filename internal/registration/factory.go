package registration

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// StoreOptions carries the dependencies a ledger backend may need beyond
// its DSN.
type StoreOptions struct {
	Layout        TableLayout
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	SheetsBaseURL string
	Logger        Logger
}

type StoreFactory func(dsn string, opts StoreOptions) (Store, error)
type SubmissionQueueFactory func(dsn string) (SubmissionQueue, error)

var factoryRegistry = struct {
	mu     sync.RWMutex
	stores map[string]StoreFactory
	queues map[string]SubmissionQueueFactory
}{
	stores: map[string]StoreFactory{},
	queues: map[string]SubmissionQueueFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.stores[scheme] = factory
}

func RegisterSubmissionQueueFactory(scheme string, factory SubmissionQueueFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.queues[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.stores[scheme]
	return factory, ok
}

func lookupSubmissionQueueFactory(scheme string) (SubmissionQueueFactory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.queues[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildStoreFromDSN selects a ledger backend by DSN scheme. Registered
// factories take precedence over the built-in schemes.
func BuildStoreFromDSN(dsn string, opts StoreOptions) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty ledger dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "sheets", "gsheets":
		spreadsheetID := strings.TrimSpace(parsed.Host)
		if spreadsheetID == "" {
			spreadsheetID = strings.Trim(strings.TrimSpace(parsed.Opaque+parsed.Path), "/")
		}
		if spreadsheetID == "" {
			return nil, fmt.Errorf("%w: sheets dsn needs a spreadsheet id", ErrInvalidInput)
		}
		store, err := NewSheetsStore(SheetsStoreOptions{
			SpreadsheetID: spreadsheetID,
			BaseURL:       opts.SheetsBaseURL,
			HTTPClient:    opts.HTTPClient,
			TokenProvider: opts.TokenProvider,
			Logger:        opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		store, err := NewFileStore(path, defaultTableSpecs(opts.Layout)...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory", "mem", "inmem":
		return NewMemoryStore(defaultTableSpecs(opts.Layout)...), nil
	case "postgres", "postgresql":
		store, err := NewPostgresStore(dsn, defaultTableSpecs(opts.Layout)...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis", "rediss":
		store, err := NewRedisStoreFromURL(dsn, defaultTableSpecs(opts.Layout)...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: ledger backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported ledger scheme: %s", scheme)
	}
}

// BuildSubmissionQueueFromDSN selects a queue by DSN scheme. An empty DSN
// yields the in-memory queue.
func BuildSubmissionQueueFromDSN(dsn string) (SubmissionQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemorySubmissionQueue(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupSubmissionQueueFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileSubmissionQueue(path)
	case "memory", "mem", "inmem":
		return NewMemorySubmissionQueue(), nil
	case "redis", "rediss", "nats", "sqs", "kafka", "postgres", "postgresql":
		return nil, fmt.Errorf("%w: submission queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported submission queue scheme: %s", scheme)
	}
}

// defaultTableSpecs lays out the internal and external tables so that both
// lookups in layout resolve.
func defaultTableSpecs(layout TableLayout) []MemoryTableSpec {
	if layout == (TableLayout{}) {
		layout = DefaultTableLayout()
	}
	specs := make([]MemoryTableSpec, 2)
	if !validSpecIndex(layout.InternalIndex) || !validSpecIndex(layout.ExternalIndex) || layout.InternalIndex == layout.ExternalIndex {
		layout.InternalIndex, layout.ExternalIndex = 0, 1
	}
	specs[layout.InternalIndex] = MemoryTableSpec{ID: 0, Title: string(KindInternal)}
	specs[layout.ExternalIndex] = MemoryTableSpec{ID: layout.ExternalID, Title: string(KindExternal)}
	return specs
}

func validSpecIndex(index int) bool {
	return index == 0 || index == 1
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
