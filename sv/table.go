package sv

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Layout of the 51 byte SV table, shared with external configuration
// tools (Rocrail GCA50 programming dialog). Offsets are fixed.
const (
	TableSize = 51
	PinCount  = 16

	OffsetVersion  = 0
	OffsetAddrLow  = 1
	OffsetAddrHigh = 2
	OffsetPins     = 3
	PinConfigSize  = 3
)

const (
	FirmwareVersion = 101

	DefaultAddrLow  = 81
	DefaultAddrHigh = 1
)

// cnfg byte: bit 7 output, bit 3 pulse, bit 2 hardware reset.
// value1: switch/sensor address minus one, low 8 bits.
// value2: bit 5 polarity (set = Closed), bit 4 last observed input level.
const (
	cnfgOutputBit  = 7
	cnfgPulseBit   = 3
	cnfgHwResetBit = 2
	value2PolBit   = 5
	value2LevelBit = 4
)

type BoundsError struct {
	Offset int
}

func (be *BoundsError) Error() string {
	return fmt.Sprintf("sv: offset %d outside table bounds [0, %d]", be.Offset, TableSize-1)
}

// PinConfig is a decoded, read-only view of one pin's three table bytes.
type PinConfig struct {
	Output        bool
	Pulse         bool
	HardwareReset bool
	Address       uint8
	Polarity      bool
	LastLevel     bool
}

// Table holds the in-memory SV table and persists single byte writes
// through the backing Store. The raw byte array stays authoritative so
// reads and writes over the wire are byte-exact with the stored layout.
// The dispatcher goroutine is the only writer; the mutex lets the
// diagnostics server read concurrently.
type Table struct {
	mu    sync.RWMutex
	data  [TableSize]byte
	store Store
}

func NewTable(store Store) *Table {
	return &Table{store: store}
}

// Load reads all table bytes sequentially from the store.
func (tb *Table) Load() error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	for n := 0; n < TableSize; n++ {
		value, err := tb.store.ReadByte(n)
		if err != nil {
			return errors.Wrapf(err, "sv: loading table byte %d", n)
		}
		tb.data[n] = value
	}
	return nil
}

// Initialized reports whether the loaded table carries the expected
// format version byte.
func (tb *Table) Initialized() bool {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.data[OffsetVersion] == FirmwareVersion
}

// ResetAddressing writes the firmware version and default module address
// into the table and persists those three bytes. Pin entries are left
// exactly as loaded, matching the GCA50 firmware: whether that is
// forward compatibility or an oversight is unresolved, so it stays.
func (tb *Table) ResetAddressing() error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.data[OffsetVersion] = FirmwareVersion
	tb.data[OffsetAddrLow] = DefaultAddrLow
	tb.data[OffsetAddrHigh] = DefaultAddrHigh

	for _, offset := range []int{OffsetVersion, OffsetAddrLow, OffsetAddrHigh} {
		err := tb.store.WriteByte(offset, tb.data[offset])
		if err != nil {
			return errors.Wrapf(err, "sv: persisting addressing byte %d", offset)
		}
	}
	return nil
}

// SeedInputLevels records the current hardware level of every input pin
// as its last observed level, so the first poll after startup cannot
// produce a spurious transition. Levels are kept in memory only.
func (tb *Table) SeedInputLevels(readLevel func(index int) (bool, error)) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	for n := 0; n < PinCount; n++ {
		if tb.pin(n).Output {
			continue
		}
		level, err := readLevel(n)
		if err != nil {
			return errors.Wrapf(err, "sv: seeding level of input pin %d", n)
		}
		tb.setLastLevel(n, level)
	}
	return nil
}

func (tb *Table) Version() byte {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.data[OffsetVersion]
}

func (tb *Table) AddrLow() byte {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.data[OffsetAddrLow]
}

func (tb *Table) AddrHigh() byte {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.data[OffsetAddrHigh]
}

func pinOffset(index int) int {
	return OffsetPins + index*PinConfigSize
}

// Pin decodes the three config bytes of the given pin index (0..15).
func (tb *Table) Pin(index int) PinConfig {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.pin(index)
}

func (tb *Table) pin(index int) PinConfig {
	off := pinOffset(index)
	cnfg, value1, value2 := tb.data[off], tb.data[off+1], tb.data[off+2]

	return PinConfig{
		Output:        bitRead(cnfg, cnfgOutputBit),
		Pulse:         bitRead(cnfg, cnfgPulseBit),
		HardwareReset: bitRead(cnfg, cnfgHwResetBit),
		Address:       value1,
		Polarity:      bitRead(value2, value2PolBit),
		LastLevel:     bitRead(value2, value2LevelBit),
	}
}

// PinRaw returns the stored bytes of one pin entry, needed verbatim for
// building input report messages.
func (tb *Table) PinRaw(index int) (cnfg, value1, value2 byte) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	off := pinOffset(index)
	return tb.data[off], tb.data[off+1], tb.data[off+2]
}

// SetLastLevel updates the observed-level bit of an input pin in memory
// only. The GCA50 firmware never writes this bit back to EEPROM.
func (tb *Table) SetLastLevel(index int, level bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.setLastLevel(index, level)
}

func (tb *Table) setLastLevel(index int, level bool) {
	off := pinOffset(index) + 2
	tb.data[off] = bitWrite(tb.data[off], value2LevelBit, level)
}

// ReadByte returns one table byte; offsets outside [0, 50] fail with
// BoundsError instead of touching adjacent memory.
func (tb *Table) ReadByte(offset int) (byte, error) {
	if offset < 0 || offset >= TableSize {
		return 0, &BoundsError{Offset: offset}
	}
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.data[offset], nil
}

// WriteByte mutates one table byte and persists it synchronously.
func (tb *Table) WriteByte(offset int, value byte) error {
	if offset < 0 || offset >= TableSize {
		return &BoundsError{Offset: offset}
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.data[offset] = value

	err := tb.store.WriteByte(offset, value)
	if err != nil {
		return errors.Wrapf(err, "sv: persisting byte %d", offset)
	}
	return nil
}

// Snapshot copies the whole table, for diagnostics.
func (tb *Table) Snapshot() [TableSize]byte {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.data
}

func bitRead(value byte, bit int) bool {
	return value&(1<<bit) != 0
}

func bitWrite(value byte, bit int, set bool) byte {
	if set {
		return value | 1<<bit
	}
	return value &^ (1 << bit)
}
