package packets

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrNeedMore is returned by Decode when buf does not yet hold a complete
// packet. The caller should read more bytes from the network and retry with
// a longer buffer; it is not a protocol error.
var ErrNeedMore = errors.New("packets: need more data")

const mqttSpecMaxPacket = 268435455

// Decode attempts to decode a single MQTT control packet from the front of
// buf. On success it returns the packet and the number of bytes consumed
// from buf. If buf does not yet contain a complete packet it returns
// ErrNeedMore and the caller should wait for more bytes before retrying.
// maxIncomingPacket bounds the accepted remaining-length field; 0 or a value
// above the MQTT spec maximum falls back to the spec maximum.
func Decode(buf []byte, maxIncomingPacket int) (Packet, int, error) {
	header, headerLen, err := peekFixedHeader(buf)
	if err != nil {
		return nil, 0, err
	}

	maxPacketSize := maxIncomingPacket
	if maxPacketSize <= 0 || maxPacketSize > mqttSpecMaxPacket {
		maxPacketSize = mqttSpecMaxPacket
	}
	if header.RemainingLength > maxPacketSize {
		return nil, 0, fmt.Errorf("packet size %d exceeds maximum %d", header.RemainingLength, maxPacketSize)
	}

	total := headerLen + header.RemainingLength
	if len(buf) < total {
		return nil, 0, ErrNeedMore
	}

	remaining := buf[headerLen:total]

	decoder, ok := packetDecoders[header.PacketType]
	if !ok {
		return nil, 0, fmt.Errorf("unknown packet type: %d", header.PacketType)
	}

	pkt, err := decoder(remaining, header)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s packet: %w", PacketNames[header.PacketType], err)
	}

	return pkt, total, nil
}

// Encode serializes pkt and appends the wire bytes to dst.
func Encode(pkt Packet, dst *bytes.Buffer) error {
	_, err := pkt.WriteTo(dst)
	return err
}
