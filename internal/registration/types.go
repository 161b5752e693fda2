package registration

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrAuth           = errors.New("ledger authentication failed")
	ErrTableNotFound  = errors.New("ledger table not found")
	ErrDuplicate      = errors.New("duplicate registration")
	ErrStoreIO        = errors.New("ledger io failure")
	ErrNotification   = errors.New("notification failed")
	ErrQueueClosed    = errors.New("queue closed")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// TimestampLayout is the format of the processing timestamp written as the
// last cell of every ledger row.
const TimestampLayout = "2006-01-02 15:04:05"

type Kind string

const (
	KindInternal Kind = "internal"
	KindExternal Kind = "external"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindInternal:
		return KindInternal, nil
	case KindExternal:
		return KindExternal, nil
	default:
		return "", fmt.Errorf("%w: unknown registration kind %q", ErrInvalidInput, raw)
	}
}

func (k Kind) Title() string {
	switch k {
	case KindInternal:
		return "Internal"
	case KindExternal:
		return "External"
	default:
		return string(k)
	}
}

// SchemaRevision selects the field set of a submission. Revision 2 adds
// email and phone number to both kinds.
type SchemaRevision int

const (
	RevisionV1 SchemaRevision = 1
	RevisionV2 SchemaRevision = 2
)

func (r SchemaRevision) Normalize() SchemaRevision {
	if r >= RevisionV2 {
		return RevisionV2
	}
	return RevisionV1
}

type Submission struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"type"`
	Name        string    `json:"name"`
	RegNo       string    `json:"reg_no"`
	YearOfStudy string    `json:"year_of_study"`
	ReceiptNo   string    `json:"recipt_no"`
	Division    string    `json:"division,omitempty"`
	DeptName    string    `json:"dept_name,omitempty"`
	CollegeName string    `json:"college_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	QueuedAt    time.Time `json:"queued_at"`

	// pendingTimestamp is the timestamp of an earlier append whose outcome
	// is unknown. A ledger row carrying it is this submission's own row.
	pendingTimestamp string
}

// Validate checks the required fields for the submission's kind under the
// given revision. Values are compared after trimming.
func (s Submission) Validate(revision SchemaRevision) error {
	var missing []string
	require := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	require("name", s.Name)
	require("reg_no", s.RegNo)
	switch s.Kind {
	case KindInternal:
		require("division", s.Division)
		require("year_of_study", s.YearOfStudy)
	case KindExternal:
		require("dept_name", s.DeptName)
		require("year_of_study", s.YearOfStudy)
		require("college_name", s.CollegeName)
	default:
		return fmt.Errorf("%w: unknown registration kind %q", ErrValidation, s.Kind)
	}
	require("recipt_no", s.ReceiptNo)
	if revision.Normalize() == RevisionV2 {
		require("email", s.Email)
		require("phone_number", s.PhoneNumber)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusDuplicate  Status = "duplicate"
	StatusFailed     Status = "failed"
)

// PersistedData is the registration as it was written to the ledger.
type PersistedData struct {
	Submission
	Timestamp string `json:"timestamp"`
	SheetType Kind   `json:"sheet_type"`
}

type Result struct {
	SubmissionID string         `json:"id"`
	Kind         Kind           `json:"type"`
	Success      bool           `json:"success"`
	Status       Status         `json:"status"`
	Message      string         `json:"message"`
	ErrorCode    string         `json:"error_code,omitempty"`
	EmailSent    bool           `json:"email_sent"`
	Attempts     int            `json:"attempts"`
	Data         *PersistedData `json:"data,omitempty"`
	ProcessedAt  time.Time      `json:"processed_at"`
	Err          error          `json:"-"`

	// pendingTimestamp is set when an append failed after it may have
	// reached the ledger.
	pendingTimestamp string
}

type Callback func(Result)

type QueueItem struct {
	Submission Submission `json:"submission"`
	Callback   Callback   `json:"-"`
}

type DuplicateError struct {
	RegNo     string
	ReceiptNo string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("Registration with reg_no %s and recipt_no %s already exists", e.RegNo, e.ReceiptNo)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// StoreError wraps a transient ledger failure during a read or an append.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return "ledger " + e.Op + " failed"
	}
	return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreIO
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ErrorCode maps a processing error onto the stable code reported in
// results and outcome lookups.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrAuth):
		return "auth_error"
	case errors.Is(err, ErrTableNotFound):
		return "table_not_found"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrStoreIO):
		return "store_io_error"
	case errors.Is(err, ErrNotification):
		return "notification_error"
	case errors.Is(err, ErrQueueClosed):
		return "queue_closed"
	default:
		return "internal_error"
	}
}

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func loggerOrNop(logger Logger) Logger {
	if logger == nil {
		return nopLogger{}
	}
	return logger
}
