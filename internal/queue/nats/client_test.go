package nats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/dispatch/internal/queue"
)

// fakeJSMsg is an in-memory jetstream.Msg double.
type fakeJSMsg struct {
	subject      string
	data         []byte
	headers      nats.Header
	streamSeq    uint64
	numDelivered uint64

	mu        sync.Mutex
	acked     bool
	naked     bool
	nakDelay  time.Duration
	extended  bool
	metaError error
}

func (m *fakeJSMsg) Metadata() (*jetstream.MsgMetadata, error) {
	if m.metaError != nil {
		return nil, m.metaError
	}
	return &jetstream.MsgMetadata{
		Sequence:     jetstream.SequencePair{Stream: m.streamSeq},
		NumDelivered: m.numDelivered,
	}, nil
}

func (m *fakeJSMsg) Data() []byte { return m.data }

func (m *fakeJSMsg) Headers() nats.Header {
	if m.headers == nil {
		return nats.Header{}
	}
	return m.headers
}

func (m *fakeJSMsg) Subject() string { return m.subject }
func (m *fakeJSMsg) Reply() string   { return "" }

func (m *fakeJSMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

func (m *fakeJSMsg) DoubleAck(context.Context) error { return m.Ack() }

func (m *fakeJSMsg) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked = true
	m.nakDelay = 0
	return nil
}

func (m *fakeJSMsg) NakWithDelay(delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked = true
	m.nakDelay = delay
	return nil
}

func (m *fakeJSMsg) InProgress() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extended = true
	return nil
}

func (m *fakeJSMsg) Term() error                 { return nil }
func (m *fakeJSMsg) TermWithReason(string) error { return nil }

// fakeBatch implements jetstream.MessageBatch over a fixed message set.
type fakeBatch struct {
	msgs []jetstream.Msg
}

func (b *fakeBatch) Messages() <-chan jetstream.Msg {
	ch := make(chan jetstream.Msg, len(b.msgs))
	for _, m := range b.msgs {
		ch <- m
	}
	close(ch)
	return ch
}

func (b *fakeBatch) Error() error { return nil }

// fakeFetcher serves queued batches, then empty ones.
type fakeFetcher struct {
	mu      sync.Mutex
	batches [][]jetstream.Msg
	fetches int
	err     error
}

func (f *fakeFetcher) Fetch(_ int, _ ...jetstream.FetchOpt) (jetstream.MessageBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		err := f.err
		f.err = nil
		return nil, err
	}
	if len(f.batches) == 0 {
		return &fakeBatch{}, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return &fakeBatch{msgs: batch}, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func testConsumer(f fetcher) *Consumer {
	cfg := &Config{}
	cfg.setDefaults()
	c := &Consumer{cons: f, config: cfg}
	c.lastPoll.Store(time.Now().UnixMilli())
	return c
}

func groupedMsg(seq uint64, delivered uint64, group, body string) *fakeJSMsg {
	headers := nats.Header{}
	if group != "" {
		headers.Set("Nats-Msg-Group", group)
	}
	return &fakeJSMsg{
		subject:      "dispatch.jobs",
		data:         []byte(body),
		headers:      headers,
		streamSeq:    seq,
		numDelivered: delivered,
	}
}

func TestMessageAdapter(t *testing.T) {
	raw := groupedMsg(42, 3, "order-1", `{"x":1}`)
	msg := &Message{msg: raw}

	if msg.ID() != "dispatch.jobs:42" {
		t.Errorf("expected subject:sequence identity, got %q", msg.ID())
	}
	if string(msg.Data()) != `{"x":1}` {
		t.Errorf("unexpected data: %s", msg.Data())
	}
	if msg.MessageGroup() != "order-1" {
		t.Errorf("expected group order-1, got %q", msg.MessageGroup())
	}
	if msg.ReceiveCount() != 3 {
		t.Errorf("expected receive count 3, got %d", msg.ReceiveCount())
	}
}

func TestMessageAdapterDefaults(t *testing.T) {
	msg := &Message{msg: &fakeJSMsg{metaError: errors.New("no metadata")}}

	if msg.ID() != "" {
		t.Errorf("expected empty ID without metadata, got %q", msg.ID())
	}
	if msg.ReceiveCount() != 1 {
		t.Errorf("expected default receive count 1, got %d", msg.ReceiveCount())
	}
	if msg.MessageGroup() != "" {
		t.Errorf("expected empty group, got %q", msg.MessageGroup())
	}
}

func TestMessageSettleDelegation(t *testing.T) {
	raw := groupedMsg(1, 1, "", "{}")
	msg := &Message{msg: raw}

	msg.Ack()
	if !raw.acked {
		t.Error("Ack not delegated")
	}

	msg.NakWithDelay(45 * time.Second)
	if !raw.naked || raw.nakDelay != 45*time.Second {
		t.Errorf("expected delayed nak, got naked=%v delay=%v", raw.naked, raw.nakDelay)
	}

	msg.InProgress()
	if !raw.extended {
		t.Error("InProgress not delegated")
	}
}

func TestMessageZeroDelayNakIsPlainNak(t *testing.T) {
	raw := groupedMsg(1, 1, "", "{}")
	msg := &Message{msg: raw}

	msg.NakWithDelay(0)
	if !raw.naked || raw.nakDelay != 0 {
		t.Errorf("zero delay must request immediate redelivery, got delay=%v", raw.nakDelay)
	}
}

func TestConsumeDeliversMessages(t *testing.T) {
	f := &fakeFetcher{batches: [][]jetstream.Msg{{
		groupedMsg(1, 1, "g1", `{"n":1}`),
		groupedMsg(2, 1, "g1", `{"n":2}`),
	}}}
	consumer := testConsumer(f)

	var received []queue.Message
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		consumer.Consume(ctx, func(m queue.Message) error {
			received = append(received, m)
			if len(received) == 2 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not deliver both messages")
	}

	if len(received) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(received))
	}
	if received[0].ID() != "dispatch.jobs:1" || received[1].ID() != "dispatch.jobs:2" {
		t.Errorf("messages out of order: %s, %s", received[0].ID(), received[1].ID())
	}
}

func TestConsumeSurvivesFetchError(t *testing.T) {
	f := &fakeFetcher{
		err:     errors.New("transient fetch failure"),
		batches: [][]jetstream.Msg{{groupedMsg(1, 1, "", "{}")}},
	}
	consumer := testConsumer(f)

	got := make(chan queue.Message, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go consumer.Consume(ctx, func(m queue.Message) error {
		select {
		case got <- m:
			cancel()
		default:
		}
		return nil
	})

	select {
	case <-got:
		// Delivered despite the first fetch failing.
	case <-ctx.Done():
		t.Fatal("consumer did not recover from fetch error")
	}
}

func TestConsumeStopsOnClose(t *testing.T) {
	f := &fakeFetcher{}
	consumer := testConsumer(f)

	done := make(chan error, 1)
	go func() {
		done <- consumer.Consume(context.Background(), func(queue.Message) error { return nil })
	}()

	// Let at least one fetch happen, then close.
	deadline := time.Now().Add(time.Second)
	for f.fetchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	consumer.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after Close")
	}
}

func TestLastPollTimeAdvances(t *testing.T) {
	f := &fakeFetcher{}
	consumer := testConsumer(f)

	before := consumer.LastPollTime()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	consumer.Consume(ctx, func(queue.Message) error { return nil })

	if !consumer.LastPollTime().After(before) {
		t.Error("LastPollTime did not advance across fetch iterations")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()

	if cfg.StreamName != "DISPATCH" {
		t.Errorf("expected DISPATCH stream, got %q", cfg.StreamName)
	}
	if cfg.ConsumerName != "router-consumer" {
		t.Errorf("expected router-consumer, got %q", cfg.ConsumerName)
	}
	if len(cfg.Subjects) != 1 || cfg.Subjects[0] != "dispatch.>" {
		t.Errorf("unexpected subjects: %v", cfg.Subjects)
	}
	if cfg.AckWait != 2*time.Minute || cfg.FetchBatch != 10 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

// TestEmbeddedPublishConsume runs the full path against an in-process
// NATS server: start, publish with a group header, consume, ack, stop.
func TestEmbeddedPublishConsume(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded server test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	embedded, err := StartEmbedded(ctx, &EmbeddedConfig{
		DataDir: t.TempDir(),
		Port:    -1, // random free port
	})
	if err != nil {
		t.Fatalf("failed to start embedded server: %v", err)
	}
	defer embedded.Shutdown()

	client := embedded.Client()
	if !client.IsConnected() {
		t.Fatal("client not connected to embedded server")
	}

	body := `{"id":"m1","poolCode":"P1","mediationType":"HTTP","mediationTarget":"http://example.com"}`
	if err := client.NewPublisher().PublishWithGroup(ctx, "dispatch.jobs", []byte(body), "order-9"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	consumer, err := client.NewConsumer(ctx)
	if err != nil {
		t.Fatalf("failed to create consumer: %v", err)
	}

	received := make(chan queue.Message, 1)
	consumeCtx, consumeCancel := context.WithCancel(ctx)
	defer consumeCancel()

	go consumer.Consume(consumeCtx, func(m queue.Message) error {
		select {
		case received <- m:
			consumeCancel()
		default:
		}
		return m.Ack()
	})

	select {
	case msg := <-received:
		if string(msg.Data()) != body {
			t.Errorf("unexpected body: %s", msg.Data())
		}
		if msg.MessageGroup() != "order-9" {
			t.Errorf("expected group order-9, got %q", msg.MessageGroup())
		}
		if msg.ReceiveCount() != 1 {
			t.Errorf("expected first delivery, got count %d", msg.ReceiveCount())
		}
	case <-ctx.Done():
		t.Fatal("message not received from embedded server")
	}
}
