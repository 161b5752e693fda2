package registration

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestMemorySubmissionQueueFIFO(t *testing.T) {
	queue := NewMemorySubmissionQueue()
	for i := 0; i < 3; i++ {
		if err := queue.Enqueue(QueueItem{Submission: Submission{ID: fmt.Sprintf("sub_%d", i)}}); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}
	if depth := queue.Depth(); depth != 3 {
		t.Fatalf("expected depth 3, got %d", depth)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		item, ok := queue.Dequeue(ctx)
		if !ok {
			t.Fatalf("expected dequeue %d to succeed", i)
		}
		if want := fmt.Sprintf("sub_%d", i); item.Submission.ID != want {
			t.Fatalf("expected %s, got %s", want, item.Submission.ID)
		}
		queue.Done()
	}
}

func TestMemorySubmissionQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	queue := NewMemorySubmissionQueue()
	got := make(chan QueueItem, 1)
	go func() {
		item, ok := queue.Dequeue(context.Background())
		if ok {
			got <- item
		}
	}()
	time.Sleep(20 * time.Millisecond)
	if err := queue.Enqueue(QueueItem{Submission: Submission{ID: "late"}}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	select {
	case item := <-got:
		if item.Submission.ID != "late" {
			t.Fatalf("expected late item, got %+v", item)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for blocked dequeue")
	}
}

func TestMemorySubmissionQueueDequeueHonorsContext(t *testing.T) {
	queue := NewMemorySubmissionQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue to time out when queue is empty")
	}
}

func TestMemorySubmissionQueueCloseRejectsAndDrains(t *testing.T) {
	queue := NewMemorySubmissionQueue()
	if err := queue.Enqueue(QueueItem{Submission: Submission{ID: "before_close"}}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := queue.Enqueue(QueueItem{Submission: Submission{ID: "after_close"}}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	item, ok := queue.Dequeue(context.Background())
	if !ok || item.Submission.ID != "before_close" {
		t.Fatalf("expected pending item to survive close, got %+v (ok=%v)", item, ok)
	}
	queue.Done()
	if _, ok := queue.Dequeue(context.Background()); ok {
		t.Fatalf("expected closed empty queue to stop dequeue")
	}
}

func TestMemorySubmissionQueueWaitBlocksUntilDone(t *testing.T) {
	queue := NewMemorySubmissionQueue()
	if err := queue.Wait(context.Background()); err != nil {
		t.Fatalf("expected empty queue wait to return immediately, got %v", err)
	}
	if err := queue.Enqueue(QueueItem{Submission: Submission{ID: "pending"}}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, ok := queue.Dequeue(context.Background()); !ok {
		t.Fatalf("expected dequeue to succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := queue.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wait to block while item is unfinished, got %v", err)
	}

	queue.Done()
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := queue.Wait(ctx); err != nil {
		t.Fatalf("expected wait to return after done, got %v", err)
	}
}

func TestMemorySubmissionQueueConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	queue := NewMemorySubmissionQueue()
	const producers = 4
	const perProducer = 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = queue.Enqueue(QueueItem{Submission: Submission{ID: fmt.Sprintf("%d:%03d", p, i)}})
			}
		}(p)
	}
	wg.Wait()

	last := map[byte]string{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < producers*perProducer; i++ {
		item, ok := queue.Dequeue(ctx)
		if !ok {
			t.Fatalf("expected item %d", i)
		}
		producer := item.Submission.ID[0]
		if prev, seen := last[producer]; seen && prev > item.Submission.ID {
			t.Fatalf("producer %c out of order: %s after %s", producer, item.Submission.ID, prev)
		}
		last[producer] = item.Submission.ID
		queue.Done()
	}
}

func TestFileSubmissionQueueReplaysUnfinishedItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue", "submissions.json")
	queue, err := NewFileSubmissionQueue(path)
	if err != nil {
		t.Fatalf("new file submission queue failed: %v", err)
	}
	for _, id := range []string{"sub_1", "sub_2"} {
		if err := queue.Enqueue(QueueItem{
			Submission: Submission{ID: id, Kind: KindInternal},
			Callback:   func(Result) {},
		}); err != nil {
			t.Fatalf("enqueue %s failed: %v", id, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Dequeued but never marked done, as after a crash mid-processing.
	if _, ok := queue.Dequeue(ctx); !ok {
		t.Fatalf("expected dequeue to succeed")
	}

	reopened, err := NewFileSubmissionQueue(path)
	if err != nil {
		t.Fatalf("reopen file submission queue failed: %v", err)
	}
	if depth := reopened.Depth(); depth != 2 {
		t.Fatalf("expected both items replayed, got depth %d", depth)
	}
	first, ok := reopened.Dequeue(ctx)
	if !ok || first.Submission.ID != "sub_1" {
		t.Fatalf("expected sub_1 first, got %+v (ok=%v)", first, ok)
	}
	if first.Callback != nil {
		t.Fatalf("expected replayed item to carry no callback")
	}
	reopened.Done()
	second, ok := reopened.Dequeue(ctx)
	if !ok || second.Submission.ID != "sub_2" {
		t.Fatalf("expected sub_2 second, got %+v (ok=%v)", second, ok)
	}
	reopened.Done()
	if err := reopened.Wait(ctx); err != nil {
		t.Fatalf("expected replayed queue to drain, got %v", err)
	}

	again, err := NewFileSubmissionQueue(path)
	if err != nil {
		t.Fatalf("third open failed: %v", err)
	}
	if depth := again.Depth(); depth != 0 {
		t.Fatalf("expected empty journal after done, got depth %d", depth)
	}
}

func TestBuildSubmissionQueueFromDSN(t *testing.T) {
	queue, err := BuildSubmissionQueueFromDSN("")
	if err != nil || queue == nil {
		t.Fatalf("expected default memory queue, got %v (err=%v)", queue, err)
	}
	if _, err := BuildSubmissionQueueFromDSN("memory://"); err != nil {
		t.Fatalf("memory dsn failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "q.json")
	if _, err := BuildSubmissionQueueFromDSN("file://" + path); err != nil {
		t.Fatalf("file dsn failed: %v", err)
	}
	if _, err := BuildSubmissionQueueFromDSN("kafka://broker"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	if _, err := BuildSubmissionQueueFromDSN("gopher://x"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}

	RegisterSubmissionQueueFactory("custom-queue", func(dsn string) (SubmissionQueue, error) {
		return NewMemorySubmissionQueue(), nil
	})
	if _, err := BuildSubmissionQueueFromDSN("custom-queue://anything"); err != nil {
		t.Fatalf("expected registered factory to be used, got %v", err)
	}
}
