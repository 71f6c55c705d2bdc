package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/careline-hub/internal/domain"
)

type memorySink struct {
	mu       sync.Mutex
	messages []domain.Message
	changes  []domain.MessageStateChange
	calls    []domain.CallRecord
	block    chan struct{}
	closed   bool
	fail     bool
}

func (s *memorySink) SaveMessage(_ context.Context, msg domain.Message) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("boom")
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *memorySink) UpdateMessageState(_ context.Context, change domain.MessageStateChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, change)
	return nil
}

func (s *memorySink) SaveCall(_ context.Context, rec domain.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, rec)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestRecorder_FansOutAndDrainsOnClose(t *testing.T) {
	t.Parallel()

	a, b := &memorySink{}, &memorySink{}
	r := NewRecorder(10, nil, nil, a, b)

	r.Message(domain.Message{ID: "m1", FromUserID: "d1", ToUserID: "p1"})
	r.MessageState(domain.MessageStateChange{MessageID: "m1", State: domain.DeliveryDelivered})
	r.Call(domain.CallRecord{SessionID: "s1", EndReason: domain.EndHangup})

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for _, s := range []*memorySink{a, b} {
		if len(s.messages) != 1 || len(s.changes) != 1 || len(s.calls) != 1 {
			t.Fatalf("sink got %d/%d/%d records, want 1/1/1", len(s.messages), len(s.changes), len(s.calls))
		}
		if !s.closed {
			t.Fatal("sink not closed")
		}
	}
}

func TestRecorder_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	sink := &memorySink{block: make(chan struct{})}
	r := NewRecorder(1, nil, nil, sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			r.Message(domain.Message{ID: "m"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	close(sink.block)
	_ = r.Close()

	if got := len(sink.messages); got >= 50 || got == 0 {
		t.Fatalf("archived %d messages, want some dropped", got)
	}
}

func TestRecorder_SinkErrorDoesNotStopWorker(t *testing.T) {
	t.Parallel()

	sink := &memorySink{fail: true}
	r := NewRecorder(10, nil, nil, sink)
	r.Message(domain.Message{ID: "m1"})
	r.Call(domain.CallRecord{SessionID: "s1"})
	_ = r.Close()

	if len(sink.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(sink.calls))
	}
}

func TestRecorder_EnqueueAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	r := NewRecorder(10, nil, nil, sink)
	_ = r.Close()
	r.Message(domain.Message{ID: "late"})
	if err := r.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if len(sink.messages) != 0 {
		t.Fatal("record accepted after Close")
	}
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (p *capturePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgs == nil {
		p.msgs = make(map[string][][]byte)
	}
	p.msgs[subject] = append(p.msgs[subject], data)
	return nil
}

func TestNATSSink_Subjects(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	sink := NewNATSSink(pub, "hub")
	ctx := context.Background()

	connected := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	ended := connected.Add(90 * time.Second)

	if err := sink.SaveMessage(ctx, domain.Message{ID: "m1", Kind: domain.MessageText, Content: "hi"}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := sink.UpdateMessageState(ctx, domain.MessageStateChange{MessageID: "m1", State: domain.DeliveryRead}); err != nil {
		t.Fatalf("UpdateMessageState: %v", err)
	}
	if err := sink.SaveCall(ctx, domain.CallRecord{SessionID: "s1", ConnectedAt: &connected, EndedAt: ended, EndReason: domain.EndHangup}); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}

	for _, subject := range []string{"hub.message.created", "hub.message.state", "hub.call.ended"} {
		if len(pub.msgs[subject]) != 1 {
			t.Fatalf("subject %s got %d messages, want 1", subject, len(pub.msgs[subject]))
		}
	}

	var call struct {
		DurationMS int64  `json:"durationMs"`
		EndReason  string `json:"endReason"`
	}
	if err := json.Unmarshal(pub.msgs["hub.call.ended"][0], &call); err != nil {
		t.Fatalf("decode call record: %v", err)
	}
	if call.DurationMS != 90000 || call.EndReason != "hangup" {
		t.Fatalf("call record = %+v", call)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close without owned conn: %v", err)
	}
}
