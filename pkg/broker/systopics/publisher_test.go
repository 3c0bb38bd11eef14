package systopics

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/robustmq/robustmq/pkg/types"
)

type capturedPublish struct {
	topic   string
	payload []byte
	qos     uint8
	retain  bool
}

type recordingSender struct {
	mu    sync.Mutex
	calls []capturedPublish
}

func (s *recordingSender) Publish(ctx context.Context, topic string, payload []byte, qos uint8, retain bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, capturedPublish{topic, payload, qos, retain})
	return nil
}

func (s *recordingSender) last() capturedPublish {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func TestPublishConnectedUsesTrackedInfo(t *testing.T) {
	sender := &recordingSender{}
	pub := NewPublisher("node-1", sender, nil)
	pub.Track(ClientInfo{ClientID: "c1", Username: "alice", IP: "10.0.0.1", Protocol: "mqtt5"})

	pub.PublishConnected("c1")

	call := sender.last()
	if call.topic != "$SYS/brokers/node-1/clients/c1/connected" {
		t.Fatalf("unexpected topic %q", call.topic)
	}
	var body connectedPayload
	if err := json.Unmarshal(call.payload, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Username != "alice" || body.IP != "10.0.0.1" || body.ClientID != "c1" {
		t.Fatalf("unexpected payload %+v", body)
	}
}

func TestPublishSubscribedIncludesOptions(t *testing.T) {
	sender := &recordingSender{}
	pub := NewPublisher("node-1", sender, nil)
	pub.Track(ClientInfo{ClientID: "c1", Username: "alice"})

	pub.PublishSubscribed(types.Subscription{ClientID: "c1", Path: "a/b", QoS: 2, ShareGroup: "g1"})

	call := sender.last()
	if call.topic != "$SYS/brokers/node-1/clients/c1/subscribed" {
		t.Fatalf("unexpected topic %q", call.topic)
	}
	var body subscribedPayload
	if err := json.Unmarshal(call.payload, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Topic != "a/b" || body.Options.QoS != 2 || body.Options.ShareGroup != "g1" {
		t.Fatalf("unexpected payload %+v", body)
	}
}

func TestPublisherFansOutToBus(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	listener := bus.Listen()
	defer bus.StopListening(listener)

	pub := NewPublisher("node-1", &recordingSender{}, bus)
	pub.PublishDisconnected("c1")

	select {
	case ev := <-listener:
		if ev.ClientID != "c1" || ev.Type != EventDisconnected {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bus event")
	}
}

func TestBusDropsWhenListenerBufferFull(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	listener := bus.Listen()
	defer bus.StopListening(listener)

	for i := 0; i < 64; i++ {
		bus.Publish(&Event{Type: EventConnected, ClientID: "c"})
	}
	time.Sleep(50 * time.Millisecond)

	if bus.ListenerCount() != 1 {
		t.Fatalf("expected 1 listener, got %d", bus.ListenerCount())
	}
	if len(listener) != cap(listener) {
		t.Fatalf("expected listener buffer full at %d events, got %d", cap(listener), len(listener))
	}
}
