package sqs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.flowcatalyst.tech/dispatch/internal/queue"
)

// fakeAPI is an in-memory SQS double.
type fakeAPI struct {
	mu         sync.Mutex
	messages   []types.Message
	deleted    []string
	visibility map[string]int32
	sent       []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{visibility: make(map[string]int32)}
}

func (f *fakeAPI) queueMessage(id, body, receiveCount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, types.Message{
		MessageId:     aws.String(id),
		Body:          aws.String(body),
		ReceiptHandle: aws.String("rh-" + id),
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): receiveCount,
		},
	})
}

func (f *fakeAPI) ReceiveMessage(_ context.Context, _ *awssqs.ReceiveMessageInput, _ ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &awssqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, in *awssqs.DeleteMessageInput, _ ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &awssqs.DeleteMessageOutput{}, nil
}

func (f *fakeAPI) ChangeMessageVisibility(_ context.Context, in *awssqs.ChangeMessageVisibilityInput, _ ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &awssqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, in *awssqs.SendMessageInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &awssqs.SendMessageOutput{MessageId: aws.String("sent-1")}, nil
}

func (f *fakeAPI) GetQueueAttributes(_ context.Context, _ *awssqs.GetQueueAttributesInput, _ ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error) {
	return &awssqs.GetQueueAttributesOutput{}, nil
}

func testClient(api API) *Client {
	return NewClientWithAPI(api, &Config{
		QueueURL:        "https://sqs.test/queue",
		Region:          "us-east-1",
		WaitTimeSeconds: 1,
	})
}

func consumeOne(t *testing.T, api *fakeAPI) queue.Message {
	t.Helper()

	consumer := testClient(api).NewConsumer("test")
	received := make(chan queue.Message, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go consumer.Consume(ctx, func(m queue.Message) error {
		select {
		case received <- m:
			cancel()
		default:
		}
		return nil
	})

	select {
	case m := <-received:
		return m
	case <-ctx.Done():
		t.Fatal("no message received")
		return nil
	}
}

func TestConsumeDeliversMessage(t *testing.T) {
	api := newFakeAPI()
	api.queueMessage("m1", `{"hello":"world"}`, "3")

	msg := consumeOne(t, api)

	if msg.ID() != "m1" {
		t.Errorf("expected id m1, got %s", msg.ID())
	}
	if string(msg.Data()) != `{"hello":"world"}` {
		t.Errorf("unexpected body: %s", msg.Data())
	}
	if msg.ReceiveCount() != 3 {
		t.Errorf("expected receive count 3, got %d", msg.ReceiveCount())
	}
}

func TestAckDeletesMessage(t *testing.T) {
	api := newFakeAPI()
	api.queueMessage("m1", "{}", "1")

	msg := consumeOne(t, api)
	if err := msg.Ack(); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.deleted) != 1 || api.deleted[0] != "rh-m1" {
		t.Errorf("expected delete of rh-m1, got %v", api.deleted)
	}
}

func TestNakWithDelayChangesVisibility(t *testing.T) {
	api := newFakeAPI()
	api.queueMessage("m1", "{}", "1")

	msg := consumeOne(t, api)
	if err := msg.NakWithDelay(45 * time.Second); err != nil {
		t.Fatalf("nak failed: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.visibility["rh-m1"] != 45 {
		t.Errorf("expected visibility 45, got %d", api.visibility["rh-m1"])
	}
}

func TestNakZeroDelayImmediateRedelivery(t *testing.T) {
	api := newFakeAPI()
	api.queueMessage("m1", "{}", "1")

	msg := consumeOne(t, api)
	if err := msg.NakWithDelay(0); err != nil {
		t.Fatalf("nak failed: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if v, ok := api.visibility["rh-m1"]; !ok || v != 0 {
		t.Errorf("expected visibility 0, got %d (set=%v)", v, ok)
	}
}

func TestNakDelayClampedToMax(t *testing.T) {
	api := newFakeAPI()
	api.queueMessage("m1", "{}", "1")

	msg := consumeOne(t, api)
	msg.NakWithDelay(100 * time.Hour)

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.visibility["rh-m1"] != MaxVisibilitySeconds {
		t.Errorf("expected clamp to %d, got %d", MaxVisibilitySeconds, api.visibility["rh-m1"])
	}
}

func TestReceiptHandleUpdate(t *testing.T) {
	api := newFakeAPI()
	api.queueMessage("m1", "{}", "1")

	msg := consumeOne(t, api)
	updatable, ok := msg.(queue.ReceiptHandleUpdatable)
	if !ok {
		t.Fatal("SQS message must support receipt handle updates")
	}

	updatable.UpdateReceiptHandle("rh-fresh")
	if updatable.GetReceiptHandle() != "rh-fresh" {
		t.Errorf("handle not updated: %s", updatable.GetReceiptHandle())
	}

	// Settling uses the fresh handle.
	msg.Ack()
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.deleted) != 1 || api.deleted[0] != "rh-fresh" {
		t.Errorf("expected delete with fresh handle, got %v", api.deleted)
	}
}

func TestReceiveCountDefaultsToOne(t *testing.T) {
	m := &Message{raw: &types.Message{}}
	if m.ReceiveCount() != 1 {
		t.Errorf("expected default receive count 1, got %d", m.ReceiveCount())
	}
}

func TestPublisherPublish(t *testing.T) {
	api := newFakeAPI()
	p := testClient(api).NewPublisher()

	if err := p.Publish(context.Background(), "subj", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.sent) != 1 || api.sent[0] != `{"x":1}` {
		t.Errorf("unexpected sent messages: %v", api.sent)
	}
}

func TestLastPollTimeAdvances(t *testing.T) {
	api := newFakeAPI()
	consumer := testClient(api).NewConsumer("test")

	before := consumer.LastPollTime()
	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	consumer.Consume(ctx, func(queue.Message) error { return nil })

	if !consumer.LastPollTime().After(before) {
		t.Error("LastPollTime did not advance across poll iterations")
	}
}
