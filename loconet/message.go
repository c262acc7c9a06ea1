package loconet

// Opcodes of the bus messages this node understands. Anything else
// decodes to Unknown and gets dropped by the dispatcher.
const (
	OpcSwReq     byte = 0xB0
	OpcSwRep     byte = 0xB1
	OpcInputRep  byte = 0xB2
	OpcSwState   byte = 0xBC
	OpcPeerXfer  byte = 0xE5
	PeerXferSize byte = 0x10
)

const (
	swDirClosed byte = 0x20
	swOutputOn  byte = 0x10
	inputRepSw  byte = 0x20
	inputRepHi  byte = 0x10
)

// Message is one raw bus message: opcode, payload and a trailing
// checksum byte. Physical framing and timing stay with the transport.
type Message []byte

// Checksum is the ones' complement of the XOR over all preceding bytes,
// so the XOR over a whole valid message is always 0xFF.
func Checksum(data []byte) byte {
	var x byte
	for _, b := range data {
		x ^= b
	}
	return ^x
}

func (m Message) Valid() bool {
	if len(m) < 2 {
		return false
	}
	var x byte
	for _, b := range m {
		x ^= b
	}
	return x == 0xFF
}

func (m Message) Opcode() byte {
	if len(m) == 0 {
		return 0
	}
	return m[0]
}

func newMessage(opcode byte, payload ...byte) Message {
	m := make(Message, 0, len(payload)+2)
	m = append(m, opcode)
	m = append(m, payload...)
	return append(m, Checksum(m))
}

// BuildInputReport builds the sensor report sent when an input pin
// changes level. The two bytes are the pin's stored value1/value2 SV
// bytes, masked to 7 bits for the wire.
func BuildInputReport(value1, value2 byte) Message {
	return newMessage(OpcInputRep, value1&0x7F, value2&0x7F)
}

// BuildSwitchRequest builds an OPC_SW_REQ for the given 1-based switch
// address. Used by tests and the mock command to poke the node.
func BuildSwitchRequest(address uint16, on, closed bool) Message {
	sw1 := byte(address-1) & 0x7F
	sw2 := byte((address - 1) >> 7 & 0x0F)
	if on {
		sw2 |= swOutputOn
	}
	if closed {
		sw2 |= swDirClosed
	}
	return newMessage(OpcSwReq, sw1, sw2)
}

// Event is the tagged variant a raw message decodes into. The
// dispatcher matches on the concrete type.
type Event interface {
	loconetEvent()
}

type SensorChanged struct {
	Address uint16
	State   bool
}

type SwitchRequest struct {
	Address uint16
	On      bool
	Closed  bool
}

type SwitchReport struct {
	Address uint16
	On      bool
	Closed  bool
}

type SwitchState struct {
	Address uint16
	On      bool
	Closed  bool
}

type PeerTransfer struct {
	Frame *PeerFrame
}

type Unknown struct {
	Raw Message
}

func (SensorChanged) loconetEvent() {}
func (SwitchRequest) loconetEvent() {}
func (SwitchReport) loconetEvent()  {}
func (SwitchState) loconetEvent()   {}
func (PeerTransfer) loconetEvent()  {}
func (Unknown) loconetEvent()       {}

func switchAddress(b1, b2 byte) uint16 {
	return uint16(b1&0x7F) | uint16(b2&0x0F)<<7
}

// Decode classifies one raw message. Messages with a broken checksum or
// an unexpected length come back as Unknown; the caller drops them.
func Decode(m Message) Event {
	if !m.Valid() {
		return Unknown{Raw: m}
	}

	switch m.Opcode() {
	case OpcSwReq, OpcSwRep, OpcSwState:
		if len(m) != 4 {
			return Unknown{Raw: m}
		}
		addr := switchAddress(m[1], m[2]) + 1
		on := m[2]&swOutputOn != 0
		closed := m[2]&swDirClosed != 0
		switch m.Opcode() {
		case OpcSwReq:
			return SwitchRequest{Address: addr, On: on, Closed: closed}
		case OpcSwRep:
			return SwitchReport{Address: addr, On: on, Closed: closed}
		default:
			return SwitchState{Address: addr, On: on, Closed: closed}
		}
	case OpcInputRep:
		if len(m) != 4 {
			return Unknown{Raw: m}
		}
		addr := switchAddress(m[1], m[2]) << 1
		if m[2]&inputRepSw != 0 {
			addr += 2
		} else {
			addr += 1
		}
		return SensorChanged{Address: addr, State: m[2]&inputRepHi != 0}
	case OpcPeerXfer:
		frame, err := ParsePeerFrame(m)
		if err != nil {
			return Unknown{Raw: m}
		}
		return PeerTransfer{Frame: frame}
	}

	return Unknown{Raw: m}
}
