package rabbitmq

import (
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

// The trip service shares one producer between the outbox relay goroutine and
// the offer-notification goroutines, so reads of the publishing channel must
// be safe against a concurrent reopen. Run with -race.
func TestEventProducerChannelHandoffIsSafeForConcurrentUse(t *testing.T) {
	p := &EventProducer{}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = p.getChannel()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				p.installChannel(new(amqp.Channel))
			}
		}()
	}
	wg.Wait()

	if p.getChannel() == nil {
		t.Fatal("expected an installed channel to remain visible")
	}
}

func TestEventProducerReopenFailsWithoutConnection(t *testing.T) {
	p := &EventProducer{}
	if _, err := p.reopenChannel(); err == nil {
		t.Fatal("expected reopen to fail with no connection")
	}
}

func TestConsumerReconnectStopsAfterClose(t *testing.T) {
	c := new(Consumer)
	if !c.shouldReconnect() {
		t.Fatal("expected a live consumer to reconnect after a dropped stream")
	}
	c.Close()
	if c.shouldReconnect() {
		t.Fatal("expected a closed consumer to stop reconnecting")
	}
}

type recordingAcknowledger struct {
	acks    int
	nacks   int
	requeue bool
}

func (a *recordingAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acks++
	return nil
}

func (a *recordingAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return nil
}

func TestDispatchDelivery(t *testing.T) {
	tests := []struct {
		name        string
		routingKey  string
		handled     bool
		wantAcks    int
		wantNacks   int
		wantRequeue bool
	}{
		{
			name:       "handled delivery is acked",
			routingKey: "trip.requested",
			handled:    true,
			wantAcks:   1,
		},
		{
			name:        "failed delivery is requeued",
			routingKey:  "trip.requested",
			handled:     false,
			wantNacks:   1,
			wantRequeue: true,
		},
		{
			name:       "unbound routing key is dropped with an ack",
			routingKey: "trip.unknown",
			wantAcks:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &recordingAcknowledger{}
			handlers := map[string]func([]byte) bool{
				"trip.requested": func([]byte) bool { return tt.handled },
			}

			dispatchDelivery(handlers, amqp.Delivery{
				Acknowledger: ack,
				RoutingKey:   tt.routingKey,
				Body:         []byte(`{}`),
			}, "trip-service.events")

			if ack.acks != tt.wantAcks {
				t.Fatalf("expected %d acks, got %d", tt.wantAcks, ack.acks)
			}
			if ack.nacks != tt.wantNacks {
				t.Fatalf("expected %d nacks, got %d", tt.wantNacks, ack.nacks)
			}
			if ack.requeue != tt.wantRequeue {
				t.Fatalf("expected requeue=%t, got %t", tt.wantRequeue, ack.requeue)
			}
		})
	}
}
