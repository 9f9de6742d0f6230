package transport

import (
	"bytes"
	"math"
	"testing"
)

func TestUDPHeaderRoundTrip(t *testing.T) {
	h := udpHeader{
		payloadLen:   123,
		typ:          ptData,
		flags:        0,
		sourceConnID: 512,
		destConnID:   1024,
		seq:          7,
		ack:          6,
		packetsInMsg: 2,
		msgStartSeq:  6,
		msgSize:      456,
	}

	encoded := encodeUDPHeader(h)
	if len(encoded) != udpHeaderLen {
		t.Fatalf("encoded header length: got %d, want %d", len(encoded), udpHeaderLen)
	}

	got, err := decodeUDPHeader(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestUDPHeaderRejectsBadMagic(t *testing.T) {
	encoded := encodeUDPHeader(udpHeader{typ: ptData})
	encoded[0] ^= 0xFF
	if _, err := decodeUDPHeader(encoded); err == nil {
		t.Error("expected error for bad magic")
	}
}

func TestUDPHeaderRejectsOversizePayloadLen(t *testing.T) {
	encoded := encodeUDPHeader(udpHeader{typ: ptData, payloadLen: maxPayload})
	// Can't encode a too-large payloadLen as a valid uint16 beyond 1244
	// directly through the helper in a meaningful way, so hand-craft it.
	encoded[4] = 0xFF
	encoded[5] = 0xFF
	if _, err := decodeUDPHeader(encoded); err == nil {
		t.Error("expected error for oversize payload_len")
	}
}

func TestUDPHeaderRejectsInvalidType(t *testing.T) {
	encoded := encodeUDPHeader(udpHeader{typ: ptData})
	encoded[6] = byte(ptMax) + 1
	if _, err := decodeUDPHeader(encoded); err == nil {
		t.Error("expected error for out-of-range type")
	}
}

// Property from spec.md §8: for any message of size n, the number of
// fragments is max(1, ceil(n/1244)), each shares msg_start_seq/
// packets_in_msg/msg_size, and concatenation reassembles the original bytes.
func TestFragmentMessageSizes(t *testing.T) {
	sizes := []int{0, 1, 1243, 1244, 1245, 1244 * 2, 1244*3 + 17, 5000}

	for _, n := range sizes {
		payload := bytes.Repeat([]byte{0x5A}, n)
		frags := fragmentMessage(100, ptData, payload)

		want := int(math.Max(1, math.Ceil(float64(n)/float64(maxPayload))))
		if len(frags) != want {
			t.Errorf("size=%d: got %d fragments, want %d", n, len(frags), want)
		}

		var reassembled []byte
		for i, f := range frags {
			if f.msgStartSeq != 100 {
				t.Errorf("size=%d frag %d: msgStartSeq=%d, want 100", n, i, f.msgStartSeq)
			}
			if int(f.packetsInMsg) != want {
				t.Errorf("size=%d frag %d: packetsInMsg=%d, want %d", n, i, f.packetsInMsg, want)
			}
			if int(f.msgSize) != n {
				t.Errorf("size=%d frag %d: msgSize=%d, want %d", n, i, f.msgSize, n)
			}
			if f.seq != 100+uint32(i) {
				t.Errorf("size=%d frag %d: seq=%d, want %d", n, i, f.seq, 100+i)
			}
			reassembled = append(reassembled, f.payload...)
		}
		if !bytes.Equal(reassembled, payload) {
			t.Errorf("size=%d: reassembled payload mismatch", n)
		}
	}
}
