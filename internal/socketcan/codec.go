package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-can-station/internal/can"
)

// ErrNotDataFrame marks remote (RTR) and error frames, which carry no payload
// for the station.
var ErrNotDataFrame = errors.New("socketcan: not a data frame")

// FrameSize is sizeof(struct can_frame), the classic CAN MTU.
const FrameSize = 16

// struct can_frame (linux/can.h):
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8    [4]
//	pad     3B    [5:8]
//	data    [8]   [8:16]
//
// The kernel uses host byte order; little-endian covers the supported archs.

// Marshal encodes fr into buf (at least FrameSize bytes).
func Marshal(buf []byte, fr can.Frame) {
	_ = buf[FrameSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], fr.RawID())
	buf[4] = fr.Len
	buf[5], buf[6], buf[7] = 0, 0, 0
	copy(buf[8:16], fr.Payload())
	for i := 8 + len(fr.Payload()); i < FrameSize; i++ {
		buf[i] = 0
	}
}

// Unmarshal decodes a raw frame. An out-of-range DLC is kept in Len so the
// receive path can reject the frame. Remote and error frames return
// ErrNotDataFrame.
func Unmarshal(buf []byte, fr *can.Frame) error {
	if len(buf) != FrameSize {
		return fmt.Errorf("short read: %d", len(buf))
	}
	raw := binary.LittleEndian.Uint32(buf[0:4])
	if raw&can.CAN_ERR_FLAG != 0 {
		return fmt.Errorf("%w: error frame 0x%08X", ErrNotDataFrame, raw)
	}
	if raw&can.CAN_RTR_FLAG != 0 {
		return fmt.Errorf("%w: remote frame 0x%08X", ErrNotDataFrame, raw)
	}
	fr.ID, fr.Extended = can.FromRawID(raw)
	fr.Len = buf[4]
	fr.Data = [can.MaxDataLen]byte{}
	copy(fr.Data[:], buf[8:8+len(fr.Payload())])
	return nil
}
