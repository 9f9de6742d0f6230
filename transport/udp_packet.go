package transport

import (
	"encoding/binary"
	"fmt"
)

// vs01Magic is "VS01" read as a little-endian uint32 (spec.md §3 UDP packet).
const vs01Magic uint32 = 0x31305356

// udpHeaderLen is the fixed 36-byte header preceding every UDP packet's
// payload (spec.md §3).
const udpHeaderLen = 36

// maxPayload is MAX_PAYLOAD from spec.md §3/§4.D.2: the largest payload one
// UDP packet can carry.
const maxPayload = 1244

// packetType is the UDP packet's `type` field (spec.md §3).
type packetType uint8

const (
	ptInvalid packetType = iota
	ptDatagram
	ptChallengeReq
	ptChallenge
	ptConnect
	ptAccept
	ptData
	ptDisconnect
	ptMax = ptDisconnect
)

func (t packetType) String() string {
	switch t {
	case ptDatagram:
		return "Datagram"
	case ptChallengeReq:
		return "ChallengeReq"
	case ptChallenge:
		return "Challenge"
	case ptConnect:
		return "Connect"
	case ptAccept:
		return "Accept"
	case ptData:
		return "Data"
	case ptDisconnect:
		return "Disconnect"
	default:
		return fmt.Sprintf("Invalid(%d)", uint8(t))
	}
}

func (t packetType) valid() bool {
	return t >= ptDatagram && t <= ptMax
}

// udpHeader is the 36-byte header from spec.md §3.
type udpHeader struct {
	payloadLen   uint16
	typ          packetType
	flags        uint8
	sourceConnID uint32
	destConnID   uint32
	seq          uint32
	ack          uint32
	packetsInMsg uint32
	msgStartSeq  uint32
	msgSize      uint32
}

func encodeUDPHeader(h udpHeader) []byte {
	buf := make([]byte, udpHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], vs01Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.payloadLen)
	buf[6] = byte(h.typ)
	buf[7] = h.flags
	binary.LittleEndian.PutUint32(buf[8:12], h.sourceConnID)
	binary.LittleEndian.PutUint32(buf[12:16], h.destConnID)
	binary.LittleEndian.PutUint32(buf[16:20], h.seq)
	binary.LittleEndian.PutUint32(buf[20:24], h.ack)
	binary.LittleEndian.PutUint32(buf[24:28], h.packetsInMsg)
	binary.LittleEndian.PutUint32(buf[28:32], h.msgStartSeq)
	binary.LittleEndian.PutUint32(buf[32:36], h.msgSize)
	return buf
}

func decodeUDPHeader(data []byte) (udpHeader, error) {
	var h udpHeader
	if len(data) < udpHeaderLen {
		return h, fmt.Errorf("udp packet too short for header: %d bytes", len(data))
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != vs01Magic {
		return h, fmt.Errorf("bad udp magic: 0x%08X", magic)
	}

	h.payloadLen = binary.LittleEndian.Uint16(data[4:6])
	h.typ = packetType(data[6])
	h.flags = data[7]
	h.sourceConnID = binary.LittleEndian.Uint32(data[8:12])
	h.destConnID = binary.LittleEndian.Uint32(data[12:16])
	h.seq = binary.LittleEndian.Uint32(data[16:20])
	h.ack = binary.LittleEndian.Uint32(data[20:24])
	h.packetsInMsg = binary.LittleEndian.Uint32(data[24:28])
	h.msgStartSeq = binary.LittleEndian.Uint32(data[28:32])
	h.msgSize = binary.LittleEndian.Uint32(data[32:36])

	if h.payloadLen > maxPayload {
		return h, fmt.Errorf("udp payload_len %d exceeds MAX_PAYLOAD %d", h.payloadLen, maxPayload)
	}
	if !h.typ.valid() {
		return h, fmt.Errorf("udp packet type out of range: %d", h.typ)
	}

	return h, nil
}

// outboundPacket is the §3 "Outbound packet record": lives in out_packets
// until acked.
type outboundPacket struct {
	seq          uint32
	typ          packetType
	packetsInMsg uint32
	msgStartSeq  uint32
	msgSize      uint32
	payload      []byte

	firstSentAt int64 // unix nanos, 0 == never sent
	lastSentAt  int64
}

// inboundPacket is the §3 "Inbound packet record": lives in in_packets until
// its message is reassembled.
type inboundPacket struct {
	seq          uint32
	typ          packetType
	packetsInMsg uint32
	msgStartSeq  uint32
	msgSize      uint32
	payload      []byte
}

// fragmentMessage splits payload into packetsInMsg records starting at
// firstSeq (spec.md §4.D.2). Even an empty payload yields exactly one
// fragment (packets_in_msg = max(1, ceil(n/MAX_PAYLOAD))).
func fragmentMessage(firstSeq uint32, typ packetType, payload []byte) []outboundPacket {
	n := len(payload)
	count := n / maxPayload
	if n%maxPayload != 0 || n == 0 {
		count++
	}

	msgStartSeq := firstSeq
	records := make([]outboundPacket, count)
	for i := 0; i < count; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > n {
			end = n
		}
		records[i] = outboundPacket{
			seq:          firstSeq + uint32(i),
			typ:          typ,
			packetsInMsg: uint32(count),
			msgStartSeq:  msgStartSeq,
			msgSize:      uint32(n),
			payload:      payload[start:end],
		}
	}
	return records
}
