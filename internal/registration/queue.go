package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SubmissionQueue is an unbounded FIFO with many producers and one consumer.
// Every dequeued item must be acknowledged with Done before Wait returns.
type SubmissionQueue interface {
	Enqueue(item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, bool)
	Done()
	Wait(ctx context.Context) error
	Depth() int
	Close() error
}

type submissionQueue struct {
	// path is empty for the in-memory variant.
	path         string
	pollInterval time.Duration

	mu         sync.Mutex
	items      []QueueItem
	inflight   *QueueItem
	unfinished int
	closed     bool
	ready      chan struct{}
	closedCh   chan struct{}
	drained    chan struct{}
}

type submissionJournal struct {
	Items []QueueItem `json:"items"`
}

func NewMemorySubmissionQueue() SubmissionQueue {
	return newSubmissionQueue("")
}

// NewFileSubmissionQueue journals pending submissions to path so that items
// accepted before a crash are replayed on restart. Replayed items carry no
// callback.
func NewFileSubmissionQueue(path string) (SubmissionQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	q := newSubmissionQueue(path)
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func newSubmissionQueue(path string) *submissionQueue {
	drained := make(chan struct{})
	close(drained)
	return &submissionQueue{
		path:         path,
		pollInterval: 10 * time.Millisecond,
		items:        []QueueItem{},
		ready:        make(chan struct{}, 1),
		closedCh:     make(chan struct{}),
		drained:      drained,
	}
}

func (q *submissionQueue) Enqueue(item QueueItem) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		q.mu.Unlock()
		return fmt.Errorf("journal submission: %w", err)
	}
	if q.unfinished == 0 {
		q.drained = make(chan struct{})
	}
	q.unfinished++
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *submissionQueue) Dequeue(ctx context.Context) (QueueItem, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.inflight = &item
			if err := q.saveLocked(); err != nil {
				q.items = append([]QueueItem{item}, q.items...)
				q.inflight = nil
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return QueueItem{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return QueueItem{}, false
		}
		select {
		case <-ctx.Done():
			return QueueItem{}, false
		case <-q.ready:
		case <-q.closedCh:
		}
	}
}

func (q *submissionQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished <= 0 {
		return
	}
	q.unfinished--
	q.inflight = nil
	_ = q.saveLocked()
	if q.unfinished == 0 {
		close(q.drained)
	}
}

func (q *submissionQueue) Wait(ctx context.Context) error {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *submissionQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *submissionQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.closedCh)
	}
	return nil
}

func (q *submissionQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *submissionQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var journal submissionJournal
	if err := json.Unmarshal(data, &journal); err != nil {
		return err
	}
	q.items = append([]QueueItem(nil), journal.Items...)
	q.unfinished = len(q.items)
	if q.unfinished > 0 {
		q.drained = make(chan struct{})
		q.signal()
	}
	return nil
}

func (q *submissionQueue) saveLocked() error {
	if q.path == "" {
		return nil
	}
	journal := submissionJournal{Items: make([]QueueItem, 0, len(q.items)+1)}
	if q.inflight != nil {
		journal.Items = append(journal.Items, *q.inflight)
	}
	journal.Items = append(journal.Items, q.items...)
	data, err := json.Marshal(journal)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
