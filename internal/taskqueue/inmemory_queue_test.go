package taskqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/asynctask/internal/testutil"
)

func TestInMemoryQueue_Contract(t *testing.T) {
	runQueueContract(t, func(t *testing.T, url string, clock func() time.Time) Queue {
		return NewInMemoryQueue(url,
			WithClock(clock),
			WithVisibilityTimeout(testVisibility),
			WithPollInterval(2*time.Millisecond),
		)
	})
}

func TestInMemoryQueue_DeadRecordsReason(t *testing.T) {
	clock := testutil.NewFakeClock(epoch)
	q := NewInMemoryQueue("mem://orders", WithClock(clock.Now))
	send(t, q, "poison", 0)

	msg := receive(t, q)
	if err := q.DeadLetter(context.Background(), msg, "too many receives"); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}

	dead := q.Dead()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead message, got %d", len(dead))
	}
	if dead[0].Body != "poison" || dead[0].Reason != "too many receives" {
		t.Fatalf("unexpected dead message: %+v", dead[0])
	}
	if !dead[0].FailedAt.Equal(epoch) {
		t.Fatalf("expected FailedAt %v, got %v", epoch, dead[0].FailedAt)
	}
}

func TestInMemoryQueue_ReceiveWakesOnSend(t *testing.T) {
	q := NewInMemoryQueue("mem://orders", WithPollInterval(time.Hour))

	got := make(chan *Message, 1)
	go func() {
		msg, err := q.Receive(context.Background())
		if err == nil {
			got <- msg
		}
	}()

	time.Sleep(10 * time.Millisecond)
	send(t, q, "wake", 0)

	select {
	case msg := <-got:
		if msg.Body != "wake" {
			t.Fatalf("expected body wake, got %q", msg.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Receive did not wake up on send")
	}
}

func TestInMemoryQueue_ConcurrentReceiversGetDistinctMessages(t *testing.T) {
	q := NewInMemoryQueue("mem://orders", WithPollInterval(time.Millisecond))
	const n = 50
	for i := 0; i < n; i++ {
		send(t, q, "m", 0)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				msg, err := q.Receive(ctx)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				if seen[msg.ID] {
					mu.Unlock()
					t.Errorf("message %s received twice", msg.ID)
					return
				}
				seen[msg.ID] = true
				mu.Unlock()
				_ = q.Ack(context.Background(), msg)
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct messages, got %d", n, len(seen))
	}
}
