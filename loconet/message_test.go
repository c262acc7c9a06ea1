package loconet

import "testing"

func TestChecksumRoundTrip(t *testing.T) {
	m := newMessage(OpcSwReq, 0x10, 0x30)

	if !m.Valid() {
		t.Error("freshly built message failed checksum")
	}

	m[1] ^= 0x01
	if m.Valid() {
		t.Error("corrupted message passed checksum")
	}
}

func TestDecodeSwitchRequest(t *testing.T) {
	m := BuildSwitchRequest(24, true, true)

	ev, ok := Decode(m).(SwitchRequest)
	if !ok {
		t.Fatalf("Decode returned %T, want SwitchRequest", Decode(m))
	}

	if ev.Address != 24 {
		t.Errorf("ev.Address = %d, want 24", ev.Address)
	}
	if !ev.On || !ev.Closed {
		t.Errorf("ev.On = %v ev.Closed = %v, want both true", ev.On, ev.Closed)
	}
}

func TestDecodeSwitchRequestOffThrown(t *testing.T) {
	ev, ok := Decode(BuildSwitchRequest(300, false, false)).(SwitchRequest)
	if !ok {
		t.Fatal("Decode did not return SwitchRequest")
	}

	if ev.Address != 300 {
		t.Errorf("ev.Address = %d, want 300", ev.Address)
	}
	if ev.On || ev.Closed {
		t.Errorf("ev.On = %v ev.Closed = %v, want both false", ev.On, ev.Closed)
	}
}

func TestDecodeSensorChanged(t *testing.T) {
	// value1 = 5, value2 with polarity bit and level bit set
	m := BuildInputReport(5, 1<<5|1<<4)

	ev, ok := Decode(m).(SensorChanged)
	if !ok {
		t.Fatal("Decode did not return SensorChanged")
	}

	want := uint16(5)<<1 + 2
	if ev.Address != want {
		t.Errorf("ev.Address = %d, want %d", ev.Address, want)
	}
	if !ev.State {
		t.Error("ev.State = false, want true")
	}
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	m := BuildSwitchRequest(12, true, false)
	m[len(m)-1] ^= 0x7F

	if _, ok := Decode(m).(Unknown); !ok {
		t.Errorf("Decode returned %T, want Unknown", Decode(m))
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	m := newMessage(0x82) // OPC_GPOFF, not handled here

	if _, ok := Decode(m).(Unknown); !ok {
		t.Errorf("Decode returned %T, want Unknown", Decode(m))
	}
}

func TestDecodeSwitchReportAndState(t *testing.T) {
	rep := newMessage(OpcSwRep, 0x07, swOutputOn)
	if _, ok := Decode(rep).(SwitchReport); !ok {
		t.Errorf("Decode returned %T, want SwitchReport", Decode(rep))
	}

	st := newMessage(OpcSwState, 0x07, swDirClosed)
	if _, ok := Decode(st).(SwitchState); !ok {
		t.Errorf("Decode returned %T, want SwitchState", Decode(st))
	}
}

func TestLoopbackTransport(t *testing.T) {
	lb := NewLoopback()

	if _, ok := lb.Receive(); ok {
		t.Error("Receive on empty loopback returned a message")
	}

	lb.Inject(BuildSwitchRequest(1, true, true))
	m, ok := lb.Receive()
	if !ok || m.Opcode() != OpcSwReq {
		t.Error("injected message not received")
	}

	err := lb.Send(BuildInputReport(1, 0))
	if err != nil {
		t.Errorf("Send returned err: %v", err)
	}

	sent := lb.Drain()
	if len(sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(sent))
	}
	if sent[0].Opcode() != OpcInputRep {
		t.Errorf("sent opcode = 0x%02X, want OPC_INPUT_REP", sent[0].Opcode())
	}
}
