package registration

import (
	"context"
	"fmt"
	"strings"
)

// DuplicateCheckPolicy decides what happens when the ledger cannot be read
// for a duplicate check.
type DuplicateCheckPolicy string

const (
	// DuplicateCheckOpen logs the read failure and reports no duplicate.
	DuplicateCheckOpen DuplicateCheckPolicy = "open"
	// DuplicateCheckBlock fails the submission without appending.
	DuplicateCheckBlock DuplicateCheckPolicy = "block"
)

func ParseDuplicateCheckPolicy(raw string) (DuplicateCheckPolicy, error) {
	switch DuplicateCheckPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DuplicateCheckOpen:
		return DuplicateCheckOpen, nil
	case DuplicateCheckBlock:
		return DuplicateCheckBlock, nil
	default:
		return "", fmt.Errorf("%w: unknown duplicate check policy %q", ErrInvalidInput, raw)
	}
}

type DuplicateChecker struct {
	Policy DuplicateCheckPolicy
	Logger Logger
}

// Exists scans every record of table for a row whose registration number
// and receipt number both equal the given values after trimming.
func (d DuplicateChecker) Exists(ctx context.Context, table Table, regNo, receiptNo string) (bool, error) {
	record, err := d.Find(ctx, table, regNo, receiptNo)
	return record != nil, err
}

// Find returns the first matching record keyed by header, or nil. Under the
// open policy a read failure is logged and reported as no match.
func (d DuplicateChecker) Find(ctx context.Context, table Table, regNo, receiptNo string) (map[string]string, error) {
	logger := loggerOrNop(d.Logger)
	rows, err := table.Rows(ctx)
	if err != nil {
		if d.Policy == DuplicateCheckBlock {
			return nil, &StoreError{Op: "duplicate check", Err: err}
		}
		logger.Warn("duplicate check failed, accepting submission", "table", table.Title(), "error", err)
		return nil, nil
	}
	regNo = strings.TrimSpace(regNo)
	receiptNo = strings.TrimSpace(receiptNo)
	for _, record := range recordsFromRows(rows) {
		if strings.TrimSpace(record[ColumnRegistrationNumber]) == regNo &&
			strings.TrimSpace(record[ColumnReceiptNumber]) == receiptNo {
			return record, nil
		}
	}
	return nil, nil
}
