package main

import (
	"context"
	"log"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/hubertat/locoio"
	"github.com/hubertat/locoio/drivers"
	"github.com/hubertat/locoio/loconet"
	"github.com/hubertat/locoio/sv"
)

var (
	Version string
	Build   string
)

// Mock instance for testing purposes, runs entirely in memory: mock io
// driver, loopback transport, volatile sv store. Channel 1 is set up as
// a continuous output on switch address 5, channel 0 as a sensor input.
func main() {
	charmlog.SetLevel(charmlog.DebugLevel)
	log.Println("locoio mock started")

	store := &sv.MemStore{}
	store.Data[sv.OffsetVersion] = sv.FirmwareVersion
	store.Data[sv.OffsetAddrLow] = sv.DefaultAddrLow
	store.Data[sv.OffsetAddrHigh] = sv.DefaultAddrHigh

	// channel 1: output, continuous, hardware reset, address 5, Closed
	store.Data[sv.OffsetPins+sv.PinConfigSize] = 1<<7 | 1<<2
	store.Data[sv.OffsetPins+sv.PinConfigSize+1] = 4
	store.Data[sv.OffsetPins+sv.PinConfigSize+2] = 1 << 5

	node := &locoio.LocoIO{Name: "locoio-mock"}
	node.FakeDriver = &drivers.MockIoDriver{}
	node.SetStore(store)

	transport := loconet.NewLoopback()
	node.SetTransport(transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := node.Init(ctx)
	defer node.Close()
	if err != nil {
		panic(err)
	}

	node.FakeDriver.MonitorStateChanges(os.Stdout)

	log.Println("switching address 5 on (Closed)...")
	transport.Inject(loconet.BuildSwitchRequest(5, true, true))
	node.Tick()

	log.Println("flipping input on channel 0...")
	node.FakeDriver.SetInputState(0, true)
	node.Tick()

	for _, sent := range transport.Drain() {
		log.Printf("node sent: % X\n", []byte(sent))
	}

	log.Println("switching address 5 off...")
	transport.Inject(loconet.BuildSwitchRequest(5, false, true))
	node.Tick()

	time.Sleep(100 * time.Millisecond)
	log.Println("mock done")
}
