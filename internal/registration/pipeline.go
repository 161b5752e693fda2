package registration

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultProcessTimeout = 30 * time.Second
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay  = 10 * time.Second
)

// SubmissionWriter is implemented by *Writer.
type SubmissionWriter interface {
	Write(ctx context.Context, sub Submission) Result
}

type PipelineOptions struct {
	Queue  SubmissionQueue
	Writer SubmissionWriter
	Logger Logger

	// ProcessTimeout bounds every attempt at one submission.
	ProcessTimeout time.Duration

	// MaxAttempts of 1 disables retries. Only ledger I/O failures and
	// timeouts are retried, and the duplicate check runs again each time.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	Outcomes *OutcomeStore
	Feed     *Feed
}

type PipelineStatus struct {
	QueueSize    int
	WorkerActive bool
}

// Pipeline owns the submission queue and the single worker that drains it
// into the ledger.
type Pipeline struct {
	queue          SubmissionQueue
	writer         SubmissionWriter
	logger         Logger
	processTimeout time.Duration
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	outcomes       *OutcomeStore
	feed           *Feed

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
	running   atomic.Bool
	processed atomic.Int64
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("%w: pipeline queue is required", ErrInvalidInput)
	}
	if opts.Writer == nil {
		return nil, fmt.Errorf("%w: pipeline writer is required", ErrInvalidInput)
	}
	processTimeout := opts.ProcessTimeout
	if processTimeout <= 0 {
		processTimeout = DefaultProcessTimeout
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	baseDelay := opts.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	maxDelay := opts.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultRetryMaxDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		queue:          opts.Queue,
		writer:         opts.Writer,
		logger:         loggerOrNop(opts.Logger),
		processTimeout: processTimeout,
		maxAttempts:    maxAttempts,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		outcomes:       opts.Outcomes,
		feed:           opts.Feed,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Start launches the worker. Calling it again has no effect.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		p.running.Store(true)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.running.Store(false)
			p.logger.Info("registration worker started")
			p.work()
			p.logger.Info("registration worker stopped", "processed", p.processed.Load())
		}()
	})
}

// Submit assigns an id and queue time when missing and enqueues the
// submission. It never waits for processing.
func (p *Pipeline) Submit(sub Submission, callback Callback) (Submission, error) {
	if strings.TrimSpace(sub.ID) == "" {
		sub.ID = uuid.NewString()
	}
	if sub.QueuedAt.IsZero() {
		sub.QueuedAt = time.Now()
	}
	if p.outcomes != nil {
		p.outcomes.MarkQueued(sub)
	}
	if err := p.queue.Enqueue(QueueItem{Submission: sub, Callback: callback}); err != nil {
		if p.outcomes != nil {
			p.outcomes.Forget(sub.ID)
		}
		return sub, err
	}
	p.logger.Debug("registration queued", "id", sub.ID, "kind", sub.Kind, "depth", p.queue.Depth())
	return sub, nil
}

func (p *Pipeline) Status() PipelineStatus {
	return PipelineStatus{
		QueueSize:    p.queue.Depth(),
		WorkerActive: p.running.Load(),
	}
}

func (p *Pipeline) Outcomes() *OutcomeStore {
	return p.outcomes
}

func (p *Pipeline) Feed() *Feed {
	return p.feed
}

// Shutdown stops new submissions, waits for the queue to drain and then
// stops the worker. If ctx ends first the worker is stopped after its
// current item and the context error is returned.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		_ = p.queue.Close()
		p.logger.Info("waiting for registration queue to drain", "depth", p.queue.Depth())
		if p.running.Load() {
			err = p.queue.Wait(ctx)
		}
		p.cancel()
		p.wg.Wait()
		if p.feed != nil {
			p.feed.Close()
		}
		if err != nil {
			p.logger.Warn("registration queue not drained", "remaining", p.queue.Depth(), "error", err)
		}
	})
	return err
}

func (p *Pipeline) work() {
	for {
		item, ok := p.queue.Dequeue(p.ctx)
		if !ok {
			return
		}
		p.handle(item)
		p.queue.Done()
	}
}

func (p *Pipeline) handle(item QueueItem) {
	sub := item.Submission
	p.logger.Info("processing registration", "id", sub.ID, "kind", sub.Kind, "name", sub.Name)
	if p.outcomes != nil {
		p.outcomes.MarkProcessing(sub)
	}

	var result Result
	for attempt := 1; ; attempt++ {
		result = p.attempt(sub)
		result.Attempts = attempt
		if attempt >= p.maxAttempts || !retryable(result.Err) {
			break
		}
		if result.pendingTimestamp != "" {
			sub.pendingTimestamp = result.pendingTimestamp
		}
		delay := p.retryDelay(attempt)
		p.logger.Warn("registration attempt failed, retrying", "id", sub.ID, "attempt", attempt, "delay", delay, "error", result.Err)
		if err := sleepContext(p.ctx, delay); err != nil {
			break
		}
	}
	p.processed.Add(1)

	outcome := newOutcome(sub, result)
	if p.outcomes != nil {
		p.outcomes.put(outcome)
	}
	if p.feed != nil {
		p.feed.Publish(outcome)
	}
	p.deliver(item.Callback, result)
}

func (p *Pipeline) attempt(sub Submission) (result Result) {
	ctx, cancel := context.WithTimeout(p.ctx, p.processTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("registration processing panicked: %v", r)
			p.logger.Error("registration processing panicked", "id", sub.ID, "panic", r)
			result = Result{
				SubmissionID: sub.ID,
				Kind:         sub.Kind,
				Status:       StatusFailed,
				Message:      "Failed to save registration: " + err.Error(),
				ErrorCode:    ErrorCode(err),
				ProcessedAt:  time.Now(),
				Err:          err,
			}
		}
	}()
	result = p.writer.Write(ctx, sub)
	if result.SubmissionID == "" {
		result.SubmissionID = sub.ID
	}
	if result.Kind == "" {
		result.Kind = sub.Kind
	}
	return result
}

func (p *Pipeline) deliver(callback Callback, result Result) {
	if callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("registration callback panicked", "id", result.SubmissionID, "panic", r)
		}
	}()
	callback(result)
}

// retryDelay doubles from the base delay up to the max and adds up to 50%
// jitter.
func (p *Pipeline) retryDelay(attempt int) time.Duration {
	delay := p.baseDelay
	for i := 1; i < attempt && delay < p.maxDelay; i++ {
		delay *= 2
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	if half := int64(delay / 2); half > 0 {
		delay += time.Duration(rand.Int64N(half))
	}
	return delay
}

// retryable reports whether another attempt could succeed. Rejected
// credentials stay rejected even when the ledger read wraps them.
func retryable(err error) bool {
	if err == nil || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrValidation) || errors.Is(err, ErrAuth) {
		return false
	}
	return errors.Is(err, ErrStoreIO) || errors.Is(err, context.DeadlineExceeded)
}
