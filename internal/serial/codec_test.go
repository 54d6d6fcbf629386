package serial

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/kstaniek/go-can-station/internal/can"
)

// rxWire builds an adapter-to-host envelope around ID(4) | PAYLOAD.
func rxWire(id uint32, payload []byte) []byte {
	data := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(data[:4], id&can.CAN_EFF_MASK)
	copy(data[4:], payload)
	return envelope(data)
}

func f(id uint32, data ...byte) can.Frame {
	fr := can.Frame{ID: id & can.CAN_EFF_MASK, Extended: true, Len: uint8(len(data))}
	copy(fr.Data[:], data)
	return fr
}

func TestSerialCodec_RoundTrip_Chunked(t *testing.T) {
	codec := Codec{}

	want := []can.Frame{
		f(0x0001E5A, 0x34, 0x7B, 0x70, 0xD7, 0x94, 0x10, 0x0D, 0xF7), // 8B
		f(0x0001F55, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6),             // 6B
		f(0x0000123),                                                 // 0B
		f(0x0123456, 0x9A, 0xBC),                                     // 2B
		f(0x01ABCDE, 0xDE, 0xAD, 0xBE),                               // 3B
	}

	// Build a continuous RX stream (ID|PAYLOAD wrapped in UART envelope)
	stream := make([]byte, 0, 512)
	for _, fr := range want {
		stream = append(stream, rxWire(fr.ID, fr.Payload())...)
	}

	var buf bytes.Buffer
	got := make([]can.Frame, 0, len(want))

	// Feed in irregular small chunks to stress preamble alignment & partials.
	chunkSizes := []int{1, 2, 3, 4, 5, 7, 11}
	cs := 0
	for pos := 0; pos < len(stream); {
		n := chunkSizes[cs%len(chunkSizes)]
		cs++
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		buf.Write(stream[pos : pos+n])
		pos += n

		if err := codec.DecodeStream(&buf, func(fr can.Frame) {
			got = append(got, fr)
		}); err != nil {
			t.Fatalf("DecodeStream error: %v", err)
		}
	}

	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d mismatch\n got  %v\n want %v", i, got[i], want[i])
		}
	}
}

func TestSerialCodec_Encode(t *testing.T) {
	fr := can.Frame{ID: 0x123, Len: 2, Data: [8]byte{0xAA, 0xBB}}
	got := Codec{}.Encode(fr)
	// 2D D4 | len=9 | INS=2 FLAGS=0x82 | ID BE | payload | checksum
	want := []byte{0x2D, 0xD4, 0x09, 0x02, 0x82, 0x00, 0x00, 0x01, 0x23, 0xAA, 0xBB}
	var sum byte = 0x09 + 0x2D
	for _, b := range want[3:] {
		sum += b
	}
	want = append(want, sum)
	if !bytes.Equal(got, want) {
		t.Fatalf("encode:\n got  % X\n want % X", got, want)
	}
}

func TestSerialCodec_GarbagePrefix(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x2D, 0x11, 0xFF})
	buf.Write(rxWire(0x42, []byte{1}))
	var got []can.Frame
	if err := (Codec{}).DecodeStream(&buf, func(fr can.Frame) { got = append(got, fr) }); err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if len(got) != 1 || got[0] != f(0x42, 1) {
		t.Fatalf("got %v", got)
	}
}
