package mq

import (
	"errors"
	"testing"

	"github.com/corvidmq/mqttv5/internal/packets"
)

func TestMqttError(t *testing.T) {
	t.Run("IsReasonCode", func(t *testing.T) {
		err := &ProtocolError{ReasonCode: 0x80}
		if !IsReasonCode(err, 0x80) {
			t.Error("IsReasonCode should return true for matching code")
		}
		if IsReasonCode(err, 0x81) {
			t.Error("IsReasonCode should return false for different code")
		}
		if IsReasonCode(errors.New("other"), 0x80) {
			t.Error("IsReasonCode should return false for non-ProtocolError")
		}
	})

	t.Run("Error formatting", func(t *testing.T) {
		err := &ProtocolError{ReasonCode: 0x80, Message: "failed"}
		expected := "mqtt error (0x80): failed"
		if err.Error() != expected {
			t.Errorf("Expected %q, got %q", expected, err.Error())
		}

		errNoMsg := &ProtocolError{ReasonCode: 0x81}
		expectedNoMsg := "mqtt error (0x81)"
		if errNoMsg.Error() != expectedNoMsg {
			t.Errorf("Expected %q, got %q", expectedNoMsg, errNoMsg.Error())
		}
	})
}

func TestMqttError_ReasonCodePropagation(t *testing.T) {
	setupClient := func() *Client {
		return &Client{
			opts: &ConnectOptions{
				Logger: defaultOptions("").Logger,
			},
			pending:  make(map[uint16]*pendingOp),
			outgoing: make(chan packets.Packet, 10),
		}
	}

	t.Run("handlePuback error reason code", func(t *testing.T) {
		c := setupClient()
		tok := newToken()
		c.pending[1] = &pendingOp{token: tok}

		puback := &packets.PubackPacket{PacketID: 1, ReasonCode: 0x80}
		c.handlePuback(puback)

		err := tok.Error()
		if err == nil {
			t.Fatal("Expected error for PUBACK with reason code 0x80, got nil")
		}
		if !IsReasonCode(err, 0x80) {
			t.Errorf("Expected ProtocolError with reason code 0x80, got %v", err)
		}
	})

	t.Run("handleSuback error reason code", func(t *testing.T) {
		c := setupClient()
		tok := newToken()
		c.pending[1] = &pendingOp{token: tok}

		suback := &packets.SubackPacket{
			PacketID:    1,
			ReturnCodes: []uint8{0x80},
		}
		c.handleSuback(suback)

		err := tok.Error()
		if err == nil {
			t.Fatal("Expected error for SUBACK with 0x80")
		}
		if !IsReasonCode(err, 0x80) {
			t.Errorf("Expected ProtocolError 0x80, got %v", err)
		}
		if !errors.Is(err, ErrSubscriptionFailed) {
			t.Errorf("Expected error to wrap ErrSubscriptionFailed, got %v", err)
		}
	})

	t.Run("handleUnsuback error reason code", func(t *testing.T) {
		c := setupClient()
		tok := newToken()
		c.pending[1] = &pendingOp{token: tok}

		unsuback := &packets.UnsubackPacket{
			PacketID:    1,
			ReasonCodes: []uint8{0x80},
		}
		c.handleUnsuback(unsuback)

		err := tok.Error()
		if err == nil {
			t.Fatal("Expected error")
		}
		if !IsReasonCode(err, 0x80) {
			t.Errorf("Expected ProtocolError 0x80, got %v", err)
		}
	})

	t.Run("ProtocolError with ReasonString", func(t *testing.T) {
		// This simulates the logic in client.go for CONNACK
		err := &ProtocolError{
			ReasonCode: 0x80,
			Message:    "server busy",
			Parent:     ErrConnectionRefused,
		}

		if err.Error() != "mqtt error (0x80): server busy" {
			t.Errorf("Unexpected error message: %v", err.Error())
		}
		if !errors.Is(err, ErrConnectionRefused) {
			t.Error("Should wrap ErrConnectionRefused")
		}
	})
}
