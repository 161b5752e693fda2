package registration

import (
	"testing"
	"time"
)

func TestFeedFanOut(t *testing.T) {
	feed := NewFeed()
	first, cancelFirst := feed.Subscribe(1)
	second, cancelSecond := feed.Subscribe(1)
	defer cancelSecond()
	if got := feed.Subscribers(); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}

	feed.Publish(Outcome{ID: "sub_1"})
	for _, ch := range []<-chan Outcome{first, second} {
		select {
		case result := <-ch:
			if result.ID != "sub_1" {
				t.Fatalf("unexpected result %+v", result)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for published result")
		}
	}

	cancelFirst()
	if _, ok := <-first; ok {
		t.Fatalf("expected cancelled subscription to be closed")
	}
	if got := feed.Subscribers(); got != 1 {
		t.Fatalf("expected 1 subscriber after cancel, got %d", got)
	}
	cancelFirst()
}

func TestFeedDropsForSlowSubscribers(t *testing.T) {
	feed := NewFeed()
	ch, cancel := feed.Subscribe(1)
	defer cancel()
	feed.Publish(Outcome{ID: "kept"})
	feed.Publish(Outcome{ID: "dropped"})
	if result := <-ch; result.ID != "kept" {
		t.Fatalf("expected first result kept, got %+v", result)
	}
	select {
	case result := <-ch:
		t.Fatalf("expected overflow to be dropped, got %+v", result)
	default:
	}
}

func TestFeedCloseEndsSubscriptions(t *testing.T) {
	feed := NewFeed()
	ch, cancel := feed.Subscribe(0)
	feed.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	cancel()
	late, _ := feed.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatalf("expected subscription after close to be closed")
	}
	feed.Publish(Outcome{})
}

func TestFeedPublishOmitsMessage(t *testing.T) {
	feed := NewFeed()
	ch, cancel := feed.Subscribe(1)
	defer cancel()
	feed.Publish(Outcome{ID: "sub_1", Status: StatusDuplicate, Message: "Registration with reg_no R1 and recipt_no T1 already exists", ErrorCode: "duplicate"})
	outcome := <-ch
	if outcome.Message != "" || outcome.ErrorCode != "duplicate" || outcome.Status != StatusDuplicate {
		t.Fatalf("unexpected published outcome %+v", outcome)
	}
}
