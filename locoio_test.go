package locoio

import (
	"context"
	"testing"

	"github.com/hubertat/locoio/drivers"
	"github.com/hubertat/locoio/loconet"
	"github.com/hubertat/locoio/sv"
)

// testNode wires a full node in memory: channel 0 sensor input
// (address byte 3), channel 1 continuous hardware-reset output on
// switch address 5 with polarity Closed.
func testNode(t testing.TB, store *sv.MemStore) (*LocoIO, *loconet.Loopback) {
	t.Helper()

	node := &LocoIO{Name: "test-node"}
	node.FakeDriver = &drivers.MockIoDriver{}
	node.SetStore(store)

	transport := loconet.NewLoopback()
	node.SetTransport(transport)

	err := node.Init(context.Background())
	if err != nil {
		t.Fatalf("Init returned err: %v", err)
	}

	return node, transport
}

func configuredStore() *sv.MemStore {
	store := initializedStore()
	pinBytes(store, 0, 0, 3, 0)
	pinBytes(store, 1, cnfgOutput|cnfgHwReset, 4, polClosed)
	return store
}

func TestNodeHandlesSwitchRequest(t *testing.T) {
	node, transport := testNode(t, configuredStore())

	transport.Inject(loconet.BuildSwitchRequest(5, true, true))
	node.Tick()

	output, _ := node.FakeDriver.GetOutput(1)
	state, _ := output.GetState()
	assertBools(t, state, true)

	transport.Inject(loconet.BuildSwitchRequest(5, false, true))
	node.Tick()

	state, _ = output.GetState()
	assertBools(t, state, false)
}

func TestNodePeerWriteReadPipeline(t *testing.T) {
	node, transport := testNode(t, configuredStore())

	// reconfigure channel 2 over the bus: write its cnfg byte
	register := byte(sv.OffsetPins + 2*sv.PinConfigSize)
	write := peerRequest(1, register, cnfgOutput, 0x23, sv.DefaultAddrLow, sv.DefaultAddrHigh)
	transport.Inject(write.Encode())
	node.Tick()

	sent := transport.Drain()
	if len(sent) != 1 {
		t.Fatalf("got %d replies after write, want 1", len(sent))
	}
	_, data := replyData(t, sent[0])
	if data[7] != cnfgOutput {
		t.Errorf("write reply echoes 0x%02X, want 0x%02X", data[7], byte(cnfgOutput))
	}

	if node.Table().Pin(2).Output != true {
		t.Error("write over the bus did not reach the table")
	}

	read := peerRequest(2, register, 0, 0x23, sv.DefaultAddrLow, sv.DefaultAddrHigh)
	transport.Inject(read.Encode())
	node.Tick()

	sent = transport.Drain()
	if len(sent) != 1 {
		t.Fatalf("got %d replies after read, want 1", len(sent))
	}
	_, data = replyData(t, sent[0])
	if data[5] != cnfgOutput {
		t.Errorf("read reply first byte = 0x%02X, want 0x%02X", data[5], byte(cnfgOutput))
	}
}

func TestNodeDropsForeignPeerFrame(t *testing.T) {
	node, transport := testNode(t, configuredStore())

	foreign := peerRequest(2, 0, 0, 0x23, 99, 2)
	transport.Inject(foreign.Encode())
	node.Tick()

	if sent := transport.Drain(); len(sent) != 0 {
		t.Errorf("got %d replies to a foreign frame, want 0", len(sent))
	}
}

func TestNodeReportsInputChange(t *testing.T) {
	node, transport := testNode(t, configuredStore())

	// no transition yet
	node.Tick()
	if sent := transport.Drain(); len(sent) != 0 {
		t.Fatalf("got %d messages before any input change", len(sent))
	}

	node.FakeDriver.SetInputState(0, true)
	node.Tick()

	sent := transport.Drain()
	if len(sent) != 1 {
		t.Fatalf("got %d messages after input change, want 1", len(sent))
	}
	if sent[0].Opcode() != loconet.OpcInputRep {
		t.Errorf("sent opcode = 0x%02X, want OPC_INPUT_REP", sent[0].Opcode())
	}

	// steady level: nothing more
	node.Tick()
	if sent := transport.Drain(); len(sent) != 0 {
		t.Errorf("steady input produced %d extra messages", len(sent))
	}
}

func TestNodeIgnoresInformationalEvents(t *testing.T) {
	node, transport := testNode(t, configuredStore())

	// a sensor broadcast and a switch report from other devices must
	// not actuate anything or produce output
	transport.Inject(loconet.BuildInputReport(4, 1<<4))
	node.Tick()
	transport.Inject(loconet.Message{0xB1, 0x04, 0x30, loconet.Checksum([]byte{0xB1, 0x04, 0x30})})
	node.Tick()

	output, _ := node.FakeDriver.GetOutput(1)
	state, _ := output.GetState()
	assertBools(t, state, false)

	if sent := transport.Drain(); len(sent) != 0 {
		t.Errorf("informational events produced %d messages", len(sent))
	}
}

func TestDiagnosticsConcurrentWithDispatcher(t *testing.T) {
	node, transport := testNode(t, configuredStore())

	register := byte(sv.OffsetPins + 2*sv.PinConfigSize)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < 200; n++ {
			write := peerRequest(1, register, byte(n)&0x7F, 0x23, sv.DefaultAddrLow, sv.DefaultAddrHigh)
			transport.Inject(write.Encode())
			node.Tick()
			transport.Inject(loconet.BuildSwitchRequest(5, n%2 == 0, true))
			node.Tick()
			transport.Drain()
		}
	}()

	// diagnostics reads run against the live dispatcher; the race
	// detector verifies the table and output locking
	for n := 0; n < 200; n++ {
		node.pinStatuses()
		node.Table().Snapshot()
		node.Table().Pin(2)
	}
	<-done

	if node.Table().Pin(2).Output {
		t.Error("last written cnfg byte 199&0x7F should not carry the output bit")
	}
}

func TestNodeInitResetsStaleTable(t *testing.T) {
	store := &sv.MemStore{}
	store.Data[sv.OffsetVersion] = 9 // stale
	store.Data[sv.OffsetAddrLow] = 3
	store.Data[sv.OffsetAddrHigh] = 7
	pinBytes(store, 6, cnfgOutput, 44, polClosed)

	node, _ := testNode(t, store)

	table := node.Table()
	if table.Version() != sv.FirmwareVersion {
		t.Errorf("table.Version() = %d, want %d", table.Version(), sv.FirmwareVersion)
	}
	if table.AddrLow() != sv.DefaultAddrLow || table.AddrHigh() != sv.DefaultAddrHigh {
		t.Errorf("addressing = %d/%d, want %d/%d", table.AddrLow(), table.AddrHigh(),
			sv.DefaultAddrLow, sv.DefaultAddrHigh)
	}

	// pin entries survive byte for byte
	cnfg, value1, value2 := table.PinRaw(6)
	if cnfg != cnfgOutput || value1 != 44 || value2 != polClosed {
		t.Errorf("pin 6 bytes = (0x%02X, %d, 0x%02X), want preserved (0x%02X, 44, 0x%02X)",
			cnfg, value1, value2, byte(cnfgOutput), byte(polClosed))
	}
}
