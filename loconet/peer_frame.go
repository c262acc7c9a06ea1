package loconet

import (
	"github.com/pkg/errors"
)

const peerFrameLen = 16

// PeerFrame is a 16 byte point-to-point transfer message carrying 8
// payload bytes D1..D8 plus two control bytes. On the wire every byte
// must fit in 7 bits, so bit 7 of each payload byte travels in the
// control byte of its group: Ctrl1 bits 0..3 belong to D1..D4, Ctrl2
// bits 0..3 to D5..D8.
//
// Note D5 doubles as the destination-high extension while the frame is
// still packed; addressing checks happen before UnpackHighBits.
type PeerFrame struct {
	Src     byte
	DstLow  byte
	DstHigh byte
	Ctrl1   byte
	Ctrl2   byte
	Data    [8]byte
}

func ParsePeerFrame(m Message) (*PeerFrame, error) {
	if len(m) != peerFrameLen {
		return nil, errors.Errorf("peer frame length %d, want %d", len(m), peerFrameLen)
	}
	if m[0] != OpcPeerXfer || m[1] != PeerXferSize {
		return nil, errors.Errorf("not a peer transfer frame (opcode 0x%02X size 0x%02X)", m[0], m[1])
	}
	if !m.Valid() {
		return nil, errors.New("peer frame checksum mismatch")
	}

	f := &PeerFrame{
		Src:     m[2],
		DstLow:  m[3],
		DstHigh: m[4],
		Ctrl1:   m[5],
		Ctrl2:   m[10],
	}
	copy(f.Data[0:4], m[6:10])
	copy(f.Data[4:8], m[11:15])

	return f, nil
}

// UnpackHighBits restores bit 7 of every payload byte from the control
// bytes. Must run before interpreting the payload.
func (f *PeerFrame) UnpackHighBits() {
	for n := 0; n < 4; n++ {
		f.Data[n] = withBit7(f.Data[n], f.Ctrl1&(1<<n) != 0)
		f.Data[4+n] = withBit7(f.Data[4+n], f.Ctrl2&(1<<n) != 0)
	}
}

// PackHighBits is the inverse: relocates bit 7 of every payload byte
// into the control bytes and clears it, leaving the frame 7-bit clean.
func (f *PeerFrame) PackHighBits() {
	f.Ctrl1 = 0
	f.Ctrl2 = 0
	for n := 0; n < 4; n++ {
		if f.Data[n]&0x80 != 0 {
			f.Ctrl1 |= 1 << n
		}
		if f.Data[4+n]&0x80 != 0 {
			f.Ctrl2 |= 1 << n
		}
		f.Data[n] &= 0x7F
		f.Data[4+n] &= 0x7F
	}
}

func (f *PeerFrame) Encode() Message {
	m := make(Message, 0, peerFrameLen)
	m = append(m, OpcPeerXfer, PeerXferSize, f.Src, f.DstLow, f.DstHigh, f.Ctrl1)
	m = append(m, f.Data[0:4]...)
	m = append(m, f.Ctrl2)
	m = append(m, f.Data[4:8]...)
	return append(m, Checksum(m))
}

func withBit7(value byte, set bool) byte {
	if set {
		return value | 0x80
	}
	return value &^ 0x80
}
