package locoio

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/hubertat/locoio/loconet"
	"github.com/hubertat/locoio/sv"
)

// initializedStore returns a MemStore with valid version and default
// module addressing (81/1).
func initializedStore() *sv.MemStore {
	store := &sv.MemStore{}
	store.Data[sv.OffsetVersion] = sv.FirmwareVersion
	store.Data[sv.OffsetAddrLow] = sv.DefaultAddrLow
	store.Data[sv.OffsetAddrHigh] = sv.DefaultAddrHigh
	return store
}

func testCodec(t testing.TB, store *sv.MemStore) *PeerCodec {
	t.Helper()

	table := sv.NewTable(store)
	if err := table.Load(); err != nil {
		t.Fatalf("Load returned err: %v", err)
	}
	return NewPeerCodec(table)
}

// peerRequest builds a packed request frame addressed with the given
// destination bytes. D5 carries the destination high extension.
func peerRequest(cmd, register, value, src, dstLow, dstExt byte) *loconet.PeerFrame {
	f := &loconet.PeerFrame{
		Src:    src,
		DstLow: dstLow,
		Data:   [8]byte{cmd, register, 0, value, dstExt, 0, 0, 0},
	}
	f.PackHighBits()
	return f
}

func TestIsAddressedToUs(t *testing.T) {
	codec := testCodec(t, initializedStore())

	cases := []struct {
		name   string
		dstLow byte
		dstExt byte
		want   bool
	}{
		{"broadcast", 0, 0, true},
		{"programming address", 0x7F, 1, true},
		{"exact match", 81, 1, true},
		{"wrong high extension", 81, 2, false},
		{"wrong low address", 80, 1, false},
		{"programming with wrong extension", 0x7F, 2, false},
		{"broadcast low with our extension", 0, 1, false},
	}

	for _, tc := range cases {
		frame := peerRequest(2, 0, 0, 0x23, tc.dstLow, tc.dstExt)
		got := codec.IsAddressedToUs(frame)
		if got != tc.want {
			t.Errorf("%s: IsAddressedToUs = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// replyData parses a reply message and returns its unpacked payload.
func replyData(t testing.TB, m loconet.Message) (*loconet.PeerFrame, [8]byte) {
	t.Helper()

	frame, err := loconet.ParsePeerFrame(m)
	if err != nil {
		t.Fatalf("reply did not parse: %v", err)
	}
	frame.UnpackHighBits()
	return frame, frame.Data
}

func TestWriteThenRead(t *testing.T) {
	store := initializedStore()
	codec := testCodec(t, store)

	// write register 7 with a value carrying bit 7
	reply, err := codec.Process(peerRequest(1, 7, 0xA7, 0x23, 81, 1))
	if err != nil {
		t.Fatalf("write Process returned err: %v", err)
	}

	_, data := replyData(t, reply)
	if data[5] != 0 || data[6] != 0 || data[7] != 0xA7 {
		t.Errorf("write reply payload = (%d, %d, 0x%02X), want (0, 0, 0xA7)", data[5], data[6], data[7])
	}

	if store.Data[7] != 0xA7 {
		t.Errorf("store.Data[7] = 0x%02X, want 0xA7 (write must persist)", store.Data[7])
	}

	reply, err = codec.Process(peerRequest(2, 7, 0, 0x23, 81, 1))
	if err != nil {
		t.Fatalf("read Process returned err: %v", err)
	}

	_, data = replyData(t, reply)
	if data[5] != 0xA7 {
		t.Errorf("read reply first byte = 0x%02X, want 0xA7", data[5])
	}
	if data[6] != store.Data[8] || data[7] != store.Data[9] {
		t.Error("read reply must carry the two following registers")
	}
}

func TestWriteRegisterZeroIgnored(t *testing.T) {
	store := initializedStore()
	codec := testCodec(t, store)

	reply, err := codec.Process(peerRequest(1, 0, 0x55, 0x23, 81, 1))
	if err != nil {
		t.Fatalf("Process returned err: %v", err)
	}
	if reply == nil {
		t.Fatal("write to register 0 must still produce a reply")
	}

	if store.Data[sv.OffsetVersion] != sv.FirmwareVersion {
		t.Error("version byte changed by a write to register 0")
	}
}

func TestReadOutOfBounds(t *testing.T) {
	codec := testCodec(t, initializedStore())

	// register 49 would read offsets 49..51, past the table end
	reply, err := codec.Process(peerRequest(2, 49, 0, 0x23, 81, 1))
	if reply != nil {
		t.Error("out of bounds read produced a reply")
	}

	var be *sv.BoundsError
	if !errors.As(err, &be) {
		t.Errorf("got %v, want BoundsError", err)
	}
}

func TestWriteOutOfBounds(t *testing.T) {
	store := initializedStore()
	codec := testCodec(t, store)

	reply, err := codec.Process(peerRequest(1, 60, 0x55, 0x23, 81, 1))
	if reply != nil {
		t.Error("out of bounds write produced a reply")
	}

	var be *sv.BoundsError
	if !errors.As(err, &be) {
		t.Errorf("got %v, want BoundsError", err)
	}
	if store.Writes != 0 {
		t.Errorf("store.Writes = %d, want 0", store.Writes)
	}
}

func TestUnknownCommandNotHandled(t *testing.T) {
	codec := testCodec(t, initializedStore())

	reply, err := codec.Process(peerRequest(5, 1, 0, 0x23, 81, 1))
	if reply != nil {
		t.Error("unknown command produced a reply")
	}
	if !errors.Is(err, ErrNotHandled) {
		t.Errorf("got %v, want ErrNotHandled", err)
	}
}

func TestReplyLayout(t *testing.T) {
	codec := testCodec(t, initializedStore())

	reply, err := codec.Process(peerRequest(2, 1, 0, 0x23, 81, 1))
	if err != nil {
		t.Fatalf("Process returned err: %v", err)
	}

	frame, data := replyData(t, reply)

	if frame.Src != sv.DefaultAddrLow {
		t.Errorf("reply Src = %d, want our address low %d", frame.Src, sv.DefaultAddrLow)
	}
	if frame.DstLow != 0x23 {
		t.Errorf("reply DstLow = 0x%02X, want requester source 0x23", frame.DstLow)
	}
	if data[0] != 2 || data[1] != 1 {
		t.Errorf("reply must echo command and register, got (%d, %d)", data[0], data[1])
	}
	if data[2] != sv.FirmwareVersion {
		t.Errorf("reply D3 = %d, want version %d", data[2], sv.FirmwareVersion)
	}
	if data[3] != 0 {
		t.Errorf("reply D4 = %d, want 0", data[3])
	}
	if data[4] != sv.DefaultAddrHigh {
		t.Errorf("reply D5 = %d, want address high %d", data[4], sv.DefaultAddrHigh)
	}
}
