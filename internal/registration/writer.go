package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type WriterOptions struct {
	Store    Store
	Layout   TableLayout
	Revision SchemaRevision
	Checker  DuplicateChecker
	Notifier Notifier
	Renderer *ConfirmationRenderer
	Clock    func() time.Time
	Logger   Logger
}

// Writer persists one submission to the ledger and sends its confirmation.
// It is not safe for concurrent use against the same table; the pipeline
// serializes calls.
type Writer struct {
	store    Store
	layout   TableLayout
	revision SchemaRevision
	checker  DuplicateChecker
	notifier Notifier
	renderer *ConfirmationRenderer
	clock    func() time.Time
	logger   Logger
}

func NewWriter(opts WriterOptions) *Writer {
	layout := opts.Layout
	if layout == (TableLayout{}) {
		layout = DefaultTableLayout()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = NewConfirmationRenderer("")
	}
	logger := loggerOrNop(opts.Logger)
	checker := opts.Checker
	if checker.Logger == nil {
		checker.Logger = logger
	}
	return &Writer{
		store:    opts.Store,
		layout:   layout,
		revision: opts.Revision.Normalize(),
		checker:  checker,
		notifier: opts.Notifier,
		renderer: renderer,
		clock:    clock,
		logger:   logger,
	}
}

func (w *Writer) Revision() SchemaRevision {
	return w.revision
}

// Write runs the full persistence sequence for sub. The returned Result is
// never nil-valued; failures carry Err and an error code.
func (w *Writer) Write(ctx context.Context, sub Submission) Result {
	if err := sub.Validate(w.revision); err != nil {
		return w.failure(sub, err.Error(), err)
	}
	if w.store == nil {
		err := fmt.Errorf("%w: no ledger configured", ErrAuth)
		return w.failure(sub, "Failed to authenticate with the ledger", err)
	}

	doc, err := w.store.Open(ctx)
	if err != nil {
		if !errors.Is(err, ErrAuth) {
			err = fmt.Errorf("%w: open ledger: %w", ErrAuth, err)
		}
		return w.failure(sub, "Failed to authenticate with the ledger", err)
	}

	table, err := ResolveTable(ctx, doc, sub.Kind, w.layout)
	if err != nil {
		return w.failure(sub, fmt.Sprintf("Failed to open %s worksheet", sub.Kind), err)
	}
	w.logger.Debug("opened worksheet", "kind", sub.Kind, "table", table.Title(), "table_id", table.ID())

	w.ensureHeader(ctx, table, sub.Kind)

	timestamp := sub.pendingTimestamp
	if timestamp == "" {
		timestamp = w.clock().Format(TimestampLayout)
	}
	row := BuildRow(sub, w.revision, timestamp)

	match, err := w.checker.Find(ctx, table, sub.RegNo, sub.ReceiptNo)
	if err != nil {
		return w.failure(sub, "Failed to check for duplicate registration", err)
	}
	if match != nil && sub.pendingTimestamp != "" && strings.TrimSpace(match[ColumnTimestamp]) == sub.pendingTimestamp {
		w.logger.Info("earlier append reached the ledger", "kind", sub.Kind, "reg_no", sub.RegNo, "timestamp", timestamp)
		return w.saved(ctx, sub, timestamp)
	}
	if match != nil {
		dupErr := &DuplicateError{RegNo: sub.RegNo, ReceiptNo: sub.ReceiptNo}
		w.logger.Info("duplicate registration rejected", "kind", sub.Kind, "reg_no", sub.RegNo, "recipt_no", sub.ReceiptNo)
		result := w.failure(sub, dupErr.Error(), dupErr)
		result.Status = StatusDuplicate
		return result
	}

	if err := table.AppendRow(ctx, row); err != nil {
		storeErr := &StoreError{Op: "append", Err: err}
		result := w.failure(sub, "Failed to save registration: "+err.Error(), storeErr)
		result.pendingTimestamp = timestamp
		return result
	}
	w.logger.Info("registration saved", "kind", sub.Kind, "name", sub.Name, "reg_no", sub.RegNo)
	return w.saved(ctx, sub, timestamp)
}

func (w *Writer) saved(ctx context.Context, sub Submission, timestamp string) Result {
	sub.pendingTimestamp = ""
	data := &PersistedData{Submission: sub, Timestamp: timestamp, SheetType: sub.Kind}
	result := Result{
		SubmissionID: sub.ID,
		Kind:         sub.Kind,
		Success:      true,
		Status:       StatusSucceeded,
		Message:      sub.Kind.Title() + " registration saved successfully",
		Data:         data,
		ProcessedAt:  w.clock(),
	}
	if w.revision == RevisionV2 {
		result.EmailSent = w.confirm(ctx, *data)
	}
	return result
}

// ensureHeader writes the canonical header into an empty table. Read and
// write failures are logged and do not stop the submission.
func (w *Writer) ensureHeader(ctx context.Context, table Table, kind Kind) {
	first, err := table.FirstRow(ctx)
	if err != nil {
		w.logger.Warn("header check failed", "table", table.Title(), "error", err)
		return
	}
	if len(first) > 0 && !isEmptyRow(first) {
		return
	}
	if err := table.AppendRow(ctx, Header(kind, w.revision)); err != nil {
		w.logger.Warn("header write failed", "table", table.Title(), "error", err)
		return
	}
	w.logger.Info("created headers", "kind", kind, "table", table.Title())
}

func (w *Writer) confirm(ctx context.Context, data PersistedData) bool {
	if w.notifier == nil {
		return false
	}
	subject, body, err := w.renderer.Render(data)
	if err != nil {
		w.logger.Error("confirmation render failed", "reg_no", data.RegNo, "error", err)
		return false
	}
	return w.notifier.Send(ctx, data.Email, subject, body)
}

func (w *Writer) failure(sub Submission, message string, err error) Result {
	w.logger.Warn("registration not saved", "kind", sub.Kind, "reg_no", sub.RegNo, "error", err)
	return Result{
		SubmissionID: sub.ID,
		Kind:         sub.Kind,
		Status:       StatusFailed,
		Message:      message,
		ErrorCode:    ErrorCode(err),
		ProcessedAt:  w.clock(),
		Err:          err,
	}
}
