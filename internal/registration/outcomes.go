package registration

import (
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	DefaultOutcomeTTL             = 24 * time.Hour
	DefaultOutcomeCleanupInterval = 30 * time.Minute
)

// Outcome is the externally visible state of one submission.
type Outcome struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"type"`
	Status      Status     `json:"status"`
	Message     string     `json:"message,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	EmailSent   bool       `json:"email_sent"`
	Attempts    int        `json:"attempts,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// OutcomeStore keeps submission outcomes for a limited time so clients can
// poll for the result of an accepted submission.
type OutcomeStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

func NewOutcomeStore(ttl, cleanupInterval time.Duration) *OutcomeStore {
	if ttl <= 0 {
		ttl = DefaultOutcomeTTL
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultOutcomeCleanupInterval
	}
	return &OutcomeStore{cache: gocache.New(ttl, cleanupInterval)}
}

func (s *OutcomeStore) MarkQueued(sub Submission) {
	s.put(Outcome{ID: sub.ID, Kind: sub.Kind, Status: StatusQueued, QueuedAt: sub.QueuedAt})
}

func (s *OutcomeStore) MarkProcessing(sub Submission) {
	if strings.TrimSpace(sub.ID) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome, ok := s.getLocked(sub.ID)
	if !ok {
		outcome = Outcome{ID: sub.ID, Kind: sub.Kind, QueuedAt: sub.QueuedAt}
	}
	outcome.Status = StatusProcessing
	s.cache.SetDefault(sub.ID, outcome)
}

func (s *OutcomeStore) Record(sub Submission, result Result) Outcome {
	outcome := newOutcome(sub, result)
	s.put(outcome)
	return outcome
}

// newOutcome is the final outcome of a processed submission. It carries no
// ledger row data.
func newOutcome(sub Submission, result Result) Outcome {
	processedAt := result.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}
	return Outcome{
		ID:          sub.ID,
		Kind:        sub.Kind,
		Status:      result.Status,
		Message:     result.Message,
		ErrorCode:   result.ErrorCode,
		EmailSent:   result.EmailSent,
		Attempts:    result.Attempts,
		QueuedAt:    sub.QueuedAt,
		ProcessedAt: &processedAt,
	}
}

func (s *OutcomeStore) Get(id string) (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(strings.TrimSpace(id))
}

func (s *OutcomeStore) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(strings.TrimSpace(id))
}

func (s *OutcomeStore) Len() int {
	return s.cache.ItemCount()
}

func (s *OutcomeStore) put(outcome Outcome) {
	if strings.TrimSpace(outcome.ID) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.SetDefault(outcome.ID, outcome)
}

func (s *OutcomeStore) getLocked(id string) (Outcome, bool) {
	value, found := s.cache.Get(id)
	if !found {
		return Outcome{}, false
	}
	outcome, ok := value.(Outcome)
	return outcome, ok
}
