package cnl

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-can-station/internal/can"
)

func mkFrame(id uint32, extended bool, n int) can.Frame {
	f := can.Frame{ID: id, Extended: extended}
	if n < 0 {
		n = 0
	}
	if n > 8 {
		n = 8
	}
	f.Len = uint8(n)
	_, _ = rand.Read(f.Data[:n])
	return f
}

func TestCNLCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	in := []can.Frame{
		mkFrame(0x1E5A, true, 8),
		mkFrame(0x123, false, 8),
		mkFrame(0x12345, true, 0),
		mkFrame(0x7FF, false, 3),
	}

	wire := codec.Encode(in)
	var out []can.Frame
	n, err := codec.DecodeN(bytes.NewReader(wire), 0, func(f can.Frame) { out = append(out, f) })
	if !errors.Is(err, io.EOF) { // expect EOF at clean end
		t.Fatalf("DecodeN unexpected err: %v", err)
	}
	if n != len(in) || len(out) != len(in) {
		t.Fatalf("decoded %d collected %d want %d", n, len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("frame %d mismatch: got %v want %v", i, out[i], in[i])
		}
	}
}

func TestCNLCodec_WireLayout(t *testing.T) {
	codec := Codec{}
	std := can.Frame{ID: 0x123, Len: 1, Data: [8]byte{0xAA}}
	ext := can.Frame{ID: 0x123, Extended: true, Len: 0}
	got := codec.Encode([]can.Frame{std, ext})
	want := []byte{
		0x00, 0x00, 0x01, 0x23, 0x01, 0xAA,
		0x80, 0x00, 0x01, 0x23, 0x00,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("wire:\n got  % X\n want % X", got, want)
	}
}

func TestCNLCodec_EncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	frames := []can.Frame{mkFrame(0x10, false, 8), mkFrame(0x11, true, 3)}
	a := codec.Encode(frames)
	var buf bytes.Buffer
	if _, err := codec.EncodeTo(&buf, frames); err != nil {
		t.Fatalf("EncodeTo error: %v", err)
	}
	if !bytes.Equal(a, buf.Bytes()) {
		t.Fatalf("Encode vs EncodeTo mismatch\nenc=% X\nencTo=% X", a, buf.Bytes())
	}
}

func TestCNLCodec_DecodeErrors(t *testing.T) {
	codec := Codec{}
	// high bit masked -> 0x09 => 9 (>8)
	bad := bytes.NewReader([]byte{0, 0, 0, 1, 0x89})
	if _, err := codec.Decode(bad); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}

	trunc := bytes.NewReader([]byte{0, 0, 0, 2, 0x05, 1, 2, 3}) // 3 of 5 payload bytes
	if _, err := codec.Decode(trunc); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}

	half := bytes.NewReader([]byte{0, 0})
	if _, err := codec.Decode(half); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected truncated header, got %v", err)
	}

	if _, err := codec.Decode(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF at boundary, got %v", err)
	}
}

func BenchmarkCNLCodec_EncodeTo(b *testing.B) {
	codec := Codec{}
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(uint32(0x200+i), false, 8)
	}
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_, _ = codec.EncodeTo(&buf, frames)
	}
}

func BenchmarkCNLCodec_DecodeN(b *testing.B) {
	codec := Codec{}
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(uint32(0x300+i), true, 8)
	}
	wire := codec.Encode(frames)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = codec.DecodeN(bytes.NewReader(wire), 0, func(can.Frame) {})
	}
}
