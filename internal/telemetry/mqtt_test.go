package telemetry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"microgrid-ledger/internal/cycle"
	"microgrid-ledger/internal/participant"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeClient struct {
	mqtt.Client

	topics   []string
	payloads [][]byte
	token    *fakeToken
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	if c.token != nil {
		return c.token
	}
	return &fakeToken{}
}

func TestPublishTopicAndPayload(t *testing.T) {
	client := &fakeClient{}
	pub := newPublisherWithClient(client, "ledger", nil)

	pub.Publish(cycle.Snapshot{
		Participant:    "House-A",
		Role:           participant.RoleProsumer,
		DeltaGenerated: 2,
		DeltaConsumed:  5,
		NetKWh:         -3,
		Settled:        true,
	})

	if len(client.topics) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.topics))
	}
	if client.topics[0] != "ledger/cycles/House-A" {
		t.Fatalf("topic = %s", client.topics[0])
	}

	var snap cycle.Snapshot
	if err := json.Unmarshal(client.payloads[0], &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.NetKWh != -3 || !snap.Settled {
		t.Fatalf("payload = %+v", snap)
	}
}

func TestPublishBrokerErrorDoesNotPanic(t *testing.T) {
	client := &fakeClient{token: &fakeToken{err: errors.New("broker gone")}}
	pub := newPublisherWithClient(client, "ledger", nil)

	pub.Publish(cycle.Snapshot{Participant: "House-A"})

	if len(client.topics) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.topics))
	}
}

func TestPublishTimeoutDoesNotPanic(t *testing.T) {
	client := &fakeClient{token: &fakeToken{timeout: true}}
	pub := newPublisherWithClient(client, "ledger", nil)

	pub.Publish(cycle.Snapshot{Participant: "House-A"})
}
