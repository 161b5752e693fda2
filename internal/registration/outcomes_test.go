package registration

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeStoreLifecycle(t *testing.T) {
	store := NewOutcomeStore(time.Minute, time.Minute)
	queuedAt := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	sub := Submission{ID: "sub_1", Kind: KindInternal, QueuedAt: queuedAt}

	store.MarkQueued(sub)
	outcome, ok := store.Get("sub_1")
	require.True(t, ok)
	assert.Equal(t, StatusQueued, outcome.Status)
	assert.Nil(t, outcome.ProcessedAt)

	store.MarkProcessing(sub)
	outcome, _ = store.Get(" sub_1 ")
	assert.Equal(t, StatusProcessing, outcome.Status)
	assert.Equal(t, queuedAt, outcome.QueuedAt)

	processedAt := queuedAt.Add(2 * time.Second)
	err := &DuplicateError{RegNo: "R1", ReceiptNo: "T1"}
	recorded := store.Record(sub, Result{
		Status:      StatusDuplicate,
		Message:     err.Error(),
		ErrorCode:   ErrorCode(err),
		Attempts:    1,
		ProcessedAt: processedAt,
		Err:         err,
	})
	assert.Equal(t, "duplicate", recorded.ErrorCode)
	require.NotNil(t, recorded.ProcessedAt)
	assert.Equal(t, processedAt, *recorded.ProcessedAt)

	outcome, ok = store.Get("sub_1")
	require.True(t, ok)
	assert.Equal(t, StatusDuplicate, outcome.Status)
	assert.Equal(t, 1, store.Len())

	store.Forget("sub_1")
	_, ok = store.Get("sub_1")
	assert.False(t, ok)
}

func TestOutcomeStoreIgnoresEmptyIDs(t *testing.T) {
	store := NewOutcomeStore(0, 0)
	store.MarkQueued(Submission{})
	store.MarkProcessing(Submission{ID: "  "})
	assert.Equal(t, 0, store.Len())
}

func TestOutcomeStoreExpires(t *testing.T) {
	store := NewOutcomeStore(20*time.Millisecond, time.Hour)
	store.MarkQueued(Submission{ID: "short_lived"})
	time.Sleep(40 * time.Millisecond)
	_, ok := store.Get("short_lived")
	assert.False(t, ok)
}

func TestErrorCodeClassification(t *testing.T) {
	cases := map[string]error{
		"":                   nil,
		"duplicate":          &DuplicateError{RegNo: "R", ReceiptNo: "T"},
		"auth_error":         ErrAuth,
		"table_not_found":    ErrTableNotFound,
		"validation_error":   ErrValidation,
		"store_io_error":     &StoreError{Op: "append", Err: errors.New("boom")},
		"notification_error": ErrNotification,
		"queue_closed":       ErrQueueClosed,
		"internal_error":     errors.New("unexpected"),
	}
	for want, err := range cases {
		assert.Equal(t, want, ErrorCode(err), "error %v", err)
	}
}
