package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-can-station/internal/can"
	"github.com/kstaniek/go-can-station/internal/metrics"
)

// UART envelope: 2D D4 | LEN | BODY | SUM, where LEN = len(BODY)+1 and
// SUM = 0x2D + LEN + sum(BODY) (mod 256).
//
// Host to adapter BODY: INS(2 = send with ext id) | 0x80|DLC | ID BE | PAYLOAD.
// Adapter to host BODY: ID BE | PAYLOAD, e.g. for DLC=2:
//
//	2D D4 07 00 00 00 02 FE 10 xx
const (
	pre0 = 0x2D
	pre1 = 0xD4

	insSendExt   = 2
	flagsClassic = 0x80

	// LEN bounds of an inbound envelope: ID(4) + PAYLOAD(0..8) + SUM(1).
	minInLen = 4 + 1
	maxInLen = 4 + can.MaxDataLen + 1

	// Unread data below this size never triggers compaction.
	compactFloor = 1024
)

var preamble = []byte{pre0, pre1}

// Codec speaks the Ampio CAN-UART envelope. The UART link always carries
// 29-bit identifiers, so decoded frames are Extended.
type Codec struct{}

func envelope(body []byte) []byte {
	n := len(body)
	out := make([]byte, 0, n+4)
	out = append(out, pre0, pre1, byte(n+1))
	out = append(out, body...)
	return append(out, checksum(byte(n+1), body))
}

func checksum(ln byte, body []byte) byte {
	sum := byte(pre0) + ln
	for _, b := range body {
		sum += b
	}
	return sum
}

// Encode wraps fr in a "send with extended id" command.
func (Codec) Encode(fr can.Frame) []byte {
	payload := fr.Payload()
	body := make([]byte, 6, 6+len(payload))
	body[0] = insSendExt
	body[1] = flagsClassic | byte(len(payload))
	binary.BigEndian.PutUint32(body[2:6], fr.ID&can.CAN_EFF_MASK)
	return envelope(append(body, payload...))
}

// compact drops the consumed prefix once the unread tail is small relative
// to the backing array, so resync garbage does not pin memory.
func compact(b *bytes.Buffer) {
	data := b.Bytes()
	if len(data) < compactFloor || len(data)*4 >= cap(data) {
		return
	}
	tail := append([]byte(nil), data...)
	b.Reset()
	_, _ = b.Write(tail)
}

type scan int

const (
	scanMore scan = iota // need more bytes
	scanSkip             // drop n bytes and retry
	scanBad              // malformed envelope at the head; drop one byte
	scanOK
)

// next inspects the head of data.
func next(data []byte) (fr can.Frame, n int, res scan) {
	i := bytes.Index(data, preamble)
	switch {
	case i > 0:
		return fr, i, scanSkip
	case i < 0:
		// the next chunk may complete a preamble split at the last byte
		return fr, len(data) - 1, scanSkip
	case len(data) < 4:
		return fr, 0, scanMore
	}
	ln := int(data[2])
	if ln < minInLen || ln > maxInLen {
		return fr, 1, scanBad
	}
	total := 3 + ln
	if len(data) < total {
		return fr, 0, scanMore
	}
	body := data[3 : total-1]
	if checksum(data[2], body) != data[total-1] {
		return fr, 1, scanBad
	}
	fr.ID = binary.BigEndian.Uint32(body[:4]) & can.CAN_EFF_MASK
	fr.Extended = true
	fr.Len = uint8(copy(fr.Data[:], body[4:]))
	return fr, total, scanOK
}

// DecodeStream consumes every complete envelope buffered in in, emitting
// frames through out. Partial envelopes stay buffered for the next call.
// Bad lengths and checksums are counted as malformed and resynchronized.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	for {
		compact(in)
		if in.Len() < 3 {
			return nil
		}
		fr, n, res := next(in.Bytes())
		switch res {
		case scanMore:
			return nil
		case scanSkip:
			in.Next(n)
			if in.Len() < 3 {
				return nil
			}
		case scanBad:
			metrics.IncMalformed()
			in.Next(n)
		case scanOK:
			out(fr)
			in.Next(n)
		}
	}
}
