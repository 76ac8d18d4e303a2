package mq

import (
	"github.com/corvidmq/mqttv5/internal/packets"
)

// State is a point-in-time view of the session state owned by logicLoop:
// outgoing packets awaiting acknowledgment, split by kind, and QoS 2
// deliveries the client has recorded as received but not yet completed
// (PUBREL not yet received). A packet id appears in at most one of the four
// outgoing maps, since a given id tracks exactly one in-flight exchange.
type State struct {
	OutgoingPub   map[uint16]*packets.PublishPacket
	OutgoingSub   map[uint16]*packets.SubscribePacket
	OutgoingUnsub map[uint16]*packets.UnsubscribePacket
	OutgoingRel   map[uint16]struct{}
	IncomingPub   map[uint16]struct{}
}

// Snapshot returns a copy of the client's current session state. It briefly
// holds sessionLock, so calling it under sustained high publish/subscribe
// throughput adds a small amount of contention.
func (c *Client) Snapshot() State {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()

	s := State{
		OutgoingPub:   make(map[uint16]*packets.PublishPacket),
		OutgoingSub:   make(map[uint16]*packets.SubscribePacket),
		OutgoingUnsub: make(map[uint16]*packets.UnsubscribePacket),
		OutgoingRel:   make(map[uint16]struct{}),
		IncomingPub:   make(map[uint16]struct{}),
	}

	for id, op := range c.pending {
		switch p := op.packet.(type) {
		case *packets.PublishPacket:
			s.OutgoingPub[id] = p
		case *packets.SubscribePacket:
			s.OutgoingSub[id] = p
		case *packets.UnsubscribePacket:
			s.OutgoingUnsub[id] = p
		case *packets.PubrelPacket:
			s.OutgoingRel[id] = struct{}{}
		}
	}

	for id := range c.receivedQoS2 {
		s.IncomingPub[id] = struct{}{}
	}

	return s
}

// RestoreFrom seeds a freshly-dialed client's session state from a prior
// Snapshot, reserving each in-flight id in the packet pool so nextID never
// hands it out again. Intended for callers that keep their own session
// persistence alongside (or instead of) SessionStore.
func (c *Client) RestoreFrom(s State) {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()

	if c.pending == nil {
		c.pending = make(map[uint16]*pendingOp)
	}

	reserve := func(id uint16, pkt packets.Packet, qos uint8) {
		if c.ids != nil && !c.ids.Take(id) {
			c.opts.Logger.Warn("session restore: id unavailable, skipping", "packet_id", id)
			return
		}
		c.pending[id] = &pendingOp{packet: pkt, token: newToken(), qos: qos}
		if qos > 0 {
			c.inFlightCount++
		}
	}

	for id, p := range s.OutgoingPub {
		reserve(id, p, p.QoS)
	}
	for id, p := range s.OutgoingSub {
		reserve(id, p, 0)
	}
	for id, p := range s.OutgoingUnsub {
		reserve(id, p, 0)
	}
	for id := range s.OutgoingRel {
		reserve(id, &packets.PubrelPacket{PacketID: id}, 2)
	}

	if c.receivedQoS2 == nil {
		c.receivedQoS2 = make(map[uint16]struct{})
	}
	for id := range s.IncomingPub {
		c.receivedQoS2[id] = struct{}{}
	}
}
