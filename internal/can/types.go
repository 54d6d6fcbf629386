package can

import (
	"errors"
	"fmt"
	"strings"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the payload capacity of a classic CAN frame.
const MaxDataLen = 8

var (
	ErrInvalidID     = errors.New("can: identifier out of range")
	ErrInvalidLength = errors.New("can: invalid length")
)

// Frame is a classic CAN frame. ID holds the bare 11-bit or 29-bit identifier,
// Extended selects which width applies. Only the first Len bytes of Data are
// significant; producers may pad the rest.
type Frame struct {
	ID       uint32
	Extended bool
	Len      uint8
	Data     [MaxDataLen]byte
}

// New builds a validated frame copying data.
func New(id uint32, extended bool, data []byte) (Frame, error) {
	var f Frame
	if len(data) > MaxDataLen {
		return f, fmt.Errorf("%w: %d", ErrInvalidLength, len(data))
	}
	f.ID, f.Extended, f.Len = id, extended, uint8(len(data))
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks the length and that the identifier fits the width implied by Extended.
func (f Frame) Validate() error {
	if f.Len > MaxDataLen {
		return fmt.Errorf("%w: %d", ErrInvalidLength, f.Len)
	}
	max := uint32(CAN_SFF_MASK)
	if f.Extended {
		max = CAN_EFF_MASK
	}
	if f.ID > max {
		return fmt.Errorf("%w: 0x%X (extended=%t)", ErrInvalidID, f.ID, f.Extended)
	}
	return nil
}

// Payload returns the significant bytes. It never panics on a malformed Len.
func (f Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}

// Pad fills the bytes beyond Len with b.
func (f *Frame) Pad(b byte) {
	for i := int(f.Len); i < MaxDataLen; i++ {
		f.Data[i] = b
	}
}

// RawID returns the identifier in SocketCAN can_id layout (EFF flag set for extended ids).
func (f Frame) RawID() uint32 {
	if f.Extended {
		return (f.ID & CAN_EFF_MASK) | CAN_EFF_FLAG
	}
	return f.ID & CAN_SFF_MASK
}

// FromRawID splits a SocketCAN can_id into identifier and extended flag.
// RTR and ERR bits are dropped.
func FromRawID(raw uint32) (id uint32, extended bool) {
	if raw&CAN_EFF_FLAG != 0 {
		return raw & CAN_EFF_MASK, true
	}
	return raw & CAN_SFF_MASK, false
}

func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "id=0x%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "id=0x%03X", f.ID)
	}
	fmt.Fprintf(&b, " ext=%t len=%d data=% X", f.Extended, f.Len, f.Payload())
	return b.String()
}
