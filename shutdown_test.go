package mq

import (
	"context"
	"testing"
	"time"

	"github.com/corvidmq/mqttv5/internal/packets"
)

// TestRunWithShutdown_CancelTriggersDisconnect verifies that cancelling the
// context handed to RunWithShutdown drives the client through the same
// winddown disconnectWithReason performs, without the caller calling
// Disconnect itself.
func TestRunWithShutdown_CancelTriggersDisconnect(t *testing.T) {
	outgoing := make(chan packets.Packet, 10)

	c := &Client{
		opts:     defaultOptions("tcp://localhost:1883"),
		outgoing: outgoing,
		incoming: make(chan packets.Packet, 10),
		stop:     make(chan struct{}),
		pending:  make(map[uint16]*pendingOp),
	}
	c.connected.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- c.RunWithShutdown(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunWithShutdown returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunWithShutdown did not return after ctx cancellation")
	}

	select {
	case <-c.stop:
	default:
		t.Error("expected c.stop to be closed after RunWithShutdown")
	}

	if c.IsConnected() {
		t.Error("expected client to be marked disconnected")
	}
}

// TestRunWithShutdown_PreservesPendingState verifies in-flight QoS 1/2 state
// survives a RunWithShutdown winddown, so a subsequent DialContext with
// SessionExpiryInterval > 0 can resume it.
func TestRunWithShutdown_PreservesPendingState(t *testing.T) {
	c := &Client{
		opts:     defaultOptions("tcp://localhost:1883"),
		outgoing: make(chan packets.Packet, 10),
		incoming: make(chan packets.Packet, 10),
		stop:     make(chan struct{}),
		pending: map[uint16]*pendingOp{
			1: {packet: &packets.PublishPacket{PacketID: 1, QoS: 1}, token: newToken(), qos: 1},
		},
	}
	c.connected.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.RunWithShutdown(ctx); err != nil {
		t.Fatalf("RunWithShutdown returned %v, want nil", err)
	}

	if _, ok := c.pending[1]; !ok {
		t.Error("expected pending packet id 1 to survive RunWithShutdown")
	}
}
