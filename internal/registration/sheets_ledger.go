package registration

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type SheetsStoreOptions struct {
	SpreadsheetID string
	BaseURL       string
	HTTPClient    *http.Client
	TokenProvider TokenProvider
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Logger        Logger
}

// SheetsStore is the production ledger: one spreadsheet whose sheets are
// the ledger tables.
type SheetsStore struct {
	client *SheetsClient
	logger Logger
}

func NewSheetsStore(opts SheetsStoreOptions) (*SheetsStore, error) {
	if strings.TrimSpace(opts.SpreadsheetID) == "" {
		return nil, fmt.Errorf("%w: spreadsheet id is required", ErrInvalidInput)
	}
	userAgent := opts.UserAgent
	if strings.TrimSpace(userAgent) == "" {
		userAgent = "registrar"
	}
	return &SheetsStore{
		client: NewSheetsClient(SheetsClientOptions{
			SpreadsheetID: opts.SpreadsheetID,
			BaseURL:       opts.BaseURL,
			TokenProvider: opts.TokenProvider,
			HTTPClient:    opts.HTTPClient,
			UserAgent:     userAgent,
			MaxRetries:    opts.MaxRetries,
			BaseDelay:     opts.BaseDelay,
			MaxDelay:      opts.MaxDelay,
		}),
		logger: loggerOrNop(opts.Logger),
	}, nil
}

// Open authenticates and loads the sheet list. Any failure here is an
// authentication failure from the caller's point of view.
func (s *SheetsStore) Open(ctx context.Context) (Document, error) {
	if _, err := s.client.Token(ctx); err != nil {
		return nil, err
	}
	sheets, err := s.client.Properties(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open spreadsheet: %v", ErrAuth, err)
	}
	s.logger.Debug("spreadsheet opened", "sheets", len(sheets))
	return &sheetsDocument{client: s.client, sheets: sheets}, nil
}

func (s *SheetsStore) Close() error {
	return nil
}

type sheetsDocument struct {
	client *SheetsClient
	sheets []SheetProperties
}

func (d *sheetsDocument) TableByIndex(ctx context.Context, index int) (Table, error) {
	for _, sheet := range d.sheets {
		if sheet.Index == index {
			return &sheetsTable{client: d.client, props: sheet}, nil
		}
	}
	return nil, fmt.Errorf("%w: worksheet index %d", ErrTableNotFound, index)
}

func (d *sheetsDocument) TableByID(ctx context.Context, id int64) (Table, error) {
	for _, sheet := range d.sheets {
		if sheet.SheetID == id {
			return &sheetsTable{client: d.client, props: sheet}, nil
		}
	}
	return nil, fmt.Errorf("%w: worksheet id %d", ErrTableNotFound, id)
}

type sheetsTable struct {
	client *SheetsClient
	props  SheetProperties
}

func (t *sheetsTable) ID() int64 {
	return t.props.SheetID
}

func (t *sheetsTable) Title() string {
	return t.props.Title
}

func (t *sheetsTable) FirstRow(ctx context.Context) ([]string, error) {
	rows, err := t.client.Values(ctx, quoteSheetTitle(t.props.Title)+"!1:1")
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (t *sheetsTable) Rows(ctx context.Context) ([][]string, error) {
	return t.client.Values(ctx, quoteSheetTitle(t.props.Title))
}

func (t *sheetsTable) AppendRow(ctx context.Context, row []string) error {
	return t.client.Append(ctx, quoteSheetTitle(t.props.Title)+"!A1", [][]string{row})
}
