package locoio

import (
	"github.com/pkg/errors"

	"github.com/hubertat/locoio/loconet"
	"github.com/hubertat/locoio/sv"
)

// Peer transfer payload byte 1 selects the operation.
const (
	peerCmdWrite byte = 1
	peerCmdRead  byte = 2
)

// ErrNotHandled marks peer frames carrying a command this node does not
// implement; the dispatcher drops them silently.
var ErrNotHandled = errors.New("peer transfer command not handled")

// PeerCodec interprets SV read/write commands carried in peer transfer
// frames against the configuration table and builds reply frames.
// Stateless apart from the table it reads and writes.
type PeerCodec struct {
	table *sv.Table
}

func NewPeerCodec(table *sv.Table) *PeerCodec {
	return &PeerCodec{table: table}
}

// IsAddressedToUs checks the raw (still packed) frame addressing:
// broadcast, the 0x7F programming address with our high address, or an
// exact module address match. Anything else is someone else's frame.
func (pc *PeerCodec) IsAddressedToUs(frame *loconet.PeerFrame) bool {
	dstExt := frame.Data[4]

	if frame.DstLow == 0 && dstExt == 0 {
		return true
	}
	if frame.DstLow == 0x7F && dstExt == pc.table.AddrHigh() {
		return true
	}
	return frame.DstLow == pc.table.AddrLow() && dstExt == pc.table.AddrHigh()
}

// Process restores the payload high bits and runs the SV command. It
// returns the wire-ready reply, or an error when the command is unknown
// or the register offset falls outside the table.
func (pc *PeerCodec) Process(frame *loconet.PeerFrame) (loconet.Message, error) {
	frame.UnpackHighBits()

	register := int(frame.Data[1])

	switch frame.Data[0] {
	case peerCmdRead:
		var data [3]byte
		for n := range data {
			value, err := pc.table.ReadByte(register + n)
			if err != nil {
				return nil, err
			}
			data[n] = value
		}
		return pc.buildReply(frame, data[0], data[1], data[2]), nil

	case peerCmdWrite:
		// register 0 holds the firmware version and is never writable
		// over the bus; the reply still echoes the value
		if register > 0 {
			err := pc.table.WriteByte(register, frame.Data[3])
			if err != nil {
				return nil, err
			}
		}
		return pc.buildReply(frame, 0, 0, frame.Data[3]), nil
	}

	return nil, ErrNotHandled
}

// buildReply answers back to the requesting device: command and
// register are echoed, D3 carries our version, D5 our high address and
// D6..D8 the payload. PackHighBits leaves the frame 7-bit clean.
func (pc *PeerCodec) buildReply(request *loconet.PeerFrame, b0, b1, b2 byte) loconet.Message {
	reply := &loconet.PeerFrame{
		Src:     pc.table.AddrLow(),
		DstLow:  request.Src,
		DstHigh: request.DstHigh,
		Data: [8]byte{
			request.Data[0],
			request.Data[1],
			pc.table.Version(),
			0,
			pc.table.AddrHigh(),
			b0,
			b1,
			b2,
		},
	}
	reply.PackHighBits()
	return reply.Encode()
}
