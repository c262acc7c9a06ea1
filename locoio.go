// Package locoio emulates a GCA50 style 16 channel LocoNet I/O board:
// every channel is configurable over the bus, through the SV peer
// transfer protocol, as a block sensor input or a switch output.
package locoio

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/locoio/drivers"
	"github.com/hubertat/locoio/loconet"
	"github.com/hubertat/locoio/mqtt"
	"github.com/hubertat/locoio/sv"
)

const defaultStorePath = "./locoio.sv"

// LocoIO is the node: configuration table, pin controller, peer SV
// codec and the dispatcher loop tying them to one transport. Public
// fields come from the JSON config file.
type LocoIO struct {
	Name string

	StorePath string
	PinMap    []uint16

	MqttBroker  string
	MqttRxTopic string
	MqttTxTopic string

	HttpAddr string

	Gpio       *drivers.GpIO
	Mcp23017   *drivers.McpIO
	FakeDriver *drivers.MockIoDriver

	Influx *Recorder

	table     *sv.Table
	store     sv.Store
	driver    drivers.IoDriver
	transport loconet.Transport
	pins      *PinController
	codec     *PeerCodec
	logger    *log.Logger
	ticker    *time.Ticker
}

// defaultPinMap mirrors the original board: logical channel n maps to
// driver pin n. Overridable per deployment through the config file.
func (lio *LocoIO) pinMap() (mapped [sv.PinCount]uint16, err error) {
	if len(lio.PinMap) == 0 {
		for n := range mapped {
			mapped[n] = uint16(n)
		}
		return
	}
	if len(lio.PinMap) != sv.PinCount {
		err = errors.Errorf("PinMap must list exactly %d pins, got %d", sv.PinCount, len(lio.PinMap))
		return
	}
	copy(mapped[:], lio.PinMap)
	return
}

func (lio *LocoIO) pickDriver() (drivers.IoDriver, error) {
	configured := []drivers.IoDriver{}
	if lio.Gpio != nil {
		configured = append(configured, lio.Gpio)
	}
	if lio.Mcp23017 != nil {
		configured = append(configured, lio.Mcp23017)
	}
	if lio.FakeDriver != nil {
		configured = append(configured, lio.FakeDriver)
	}

	if len(configured) == 0 {
		return nil, errors.New("no io driver configured")
	}
	if len(configured) > 1 {
		return nil, errors.Errorf("exactly one io driver expected, got %d", len(configured))
	}
	return configured[0], nil
}

// SetStore overrides the persistent store, used by tests and the mock
// command. Must be called before Init.
func (lio *LocoIO) SetStore(store sv.Store) {
	lio.store = store
}

// SetTransport wires the bus transport. Must be set (either directly or
// through ConnectMqtt) before Run.
func (lio *LocoIO) SetTransport(transport loconet.Transport) {
	lio.transport = transport
}

// Init loads and validates the SV table, sets up the io driver and
// configures all 16 channels. On a version mismatch the addressing
// bytes are reset to defaults and persisted; pin entries stay as loaded
// and input levels are not seeded, matching the GCA50 firmware.
func (lio *LocoIO) Init(ctx context.Context) error {
	lio.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "locoio: ",
		Level:  log.GetLevel(),
	})

	if lio.store == nil {
		storePath := lio.StorePath
		if len(storePath) == 0 {
			storePath = defaultStorePath
		}
		fileStore, err := sv.NewFileStore(storePath)
		if err != nil {
			return errors.Wrap(err, "failed to open sv store")
		}
		lio.store = fileStore
	}

	lio.table = sv.NewTable(lio.store)
	err := lio.table.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load sv table")
	}

	initialized := lio.table.Initialized()
	if !initialized {
		lio.logger.Warn("sv table version mismatch, resetting addressing to defaults",
			"version", lio.table.Version(), "expected", sv.FirmwareVersion)
		err = lio.table.ResetAddressing()
		if err != nil {
			return errors.Wrap(err, "failed to reset sv addressing")
		}
	}

	lio.driver, err = lio.pickDriver()
	if err != nil {
		return err
	}

	pinMap, err := lio.pinMap()
	if err != nil {
		return err
	}

	lio.pins = NewPinController(lio.table, lio.driver, pinMap, lio.sendMessage, lio.logger)
	err = lio.pins.Configure(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to configure pins")
	}

	if initialized {
		err = lio.table.SeedInputLevels(lio.pins.ReadLevel)
		if err != nil {
			return errors.Wrap(err, "failed to seed input levels")
		}
	}

	lio.codec = NewPeerCodec(lio.table)

	if lio.Influx != nil {
		err = lio.Influx.Setup()
		if err != nil {
			lio.logger.Warn("influx recorder setup failed, continuing without", "err", err)
			lio.Influx = nil
		} else {
			lio.pins.OnSensorChange(lio.Influx.RecordSensor)
		}
	}

	lio.logger.Info("node initialized", "name", lio.Name, "driver", lio.driver,
		"address", fmt.Sprintf("%d/%d", lio.table.AddrLow(), lio.table.AddrHigh()))

	return nil
}

// ConnectMqtt creates the MQTT bus transport when a broker is
// configured.
func (lio *LocoIO) ConnectMqtt(ctx context.Context) error {
	if len(lio.MqttBroker) == 0 {
		return errors.New("mqtt broker not set")
	}

	client, err := mqtt.NewClient(lio.MqttBroker, lio.Name, lio.MqttRxTopic, lio.MqttTxTopic)
	if err != nil {
		return errors.Wrap(err, "failed to create mqtt client")
	}

	err = client.Connect(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to connect to mqtt broker")
	}

	lio.transport = client
	return nil
}

// Run is the dispatcher: every tick it pulls at most one inbound
// message, routes it, expires pending pulse outputs and polls all
// inputs once. Single goroutine, run to completion per tick; the
// dispatcher is the table's only writer, diagnostics readers go through
// the table's lock.
func (lio *LocoIO) Run(ctx context.Context, interval time.Duration) error {
	if lio.transport == nil {
		return errors.New("transport not set")
	}

	lio.ticker = time.NewTicker(interval)
	defer lio.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lio.ticker.C:
			lio.Tick()
		}
	}
}

// Tick runs one dispatcher iteration. Exposed for the mock command and
// tests; Run calls it on every ticker beat.
func (lio *LocoIO) Tick() {
	if msg, ok := lio.transport.Receive(); ok {
		lio.dispatch(msg)
	}

	lio.pins.TickPulses()
	lio.pins.PollInputs()
}

func (lio *LocoIO) dispatch(msg loconet.Message) {
	lio.logger.Debug("RX", "frame", fmt.Sprintf("% X", []byte(msg)))

	switch ev := loconet.Decode(msg).(type) {
	case loconet.SwitchRequest:
		lio.logger.Debug("Switch Request", "address", ev.Address,
			"direction", directionString(ev.Closed), "on", ev.On)
		lio.pins.HandleSwitchRequest(ev.Address, ev.On, ev.Closed)

	case loconet.SensorChanged:
		// informational only, nothing to actuate
		lio.logger.Debug("Sensor", "address", ev.Address, "active", ev.State)

	case loconet.SwitchReport:
		lio.logger.Debug("Switch Report", "address", ev.Address,
			"direction", directionString(ev.Closed), "on", ev.On)

	case loconet.SwitchState:
		lio.logger.Debug("Switch State", "address", ev.Address,
			"direction", directionString(ev.Closed), "on", ev.On)

	case loconet.PeerTransfer:
		if !lio.codec.IsAddressedToUs(ev.Frame) {
			lio.logger.Debug("peer frame for someone else, dropping")
			return
		}
		reply, err := lio.codec.Process(ev.Frame)
		if err != nil {
			lio.logger.Debug("dropping peer frame", "err", err)
			return
		}
		err = lio.sendMessage(reply)
		if err != nil {
			lio.logger.Warn("failed sending peer reply", "err", err)
		}

	case loconet.Unknown:
		lio.logger.Debug("unhandled message, dropping", "len", len(ev.Raw))
	}
}

func (lio *LocoIO) sendMessage(msg loconet.Message) error {
	lio.logger.Debug("TX", "frame", fmt.Sprintf("% X", []byte(msg)))
	return lio.transport.Send(msg)
}

// Table exposes the configuration table for diagnostics.
func (lio *LocoIO) Table() *sv.Table {
	return lio.table
}

func (lio *LocoIO) Close() (err error) {
	if lio.driver != nil {
		closeErr := lio.driver.Close()
		if closeErr != nil {
			err = errors.Wrap(closeErr, "failed closing io driver")
		}
	}
	if lio.transport != nil {
		closeErr := lio.transport.Close()
		if closeErr != nil {
			err = errors.Wrap(closeErr, "failed closing transport")
		}
	}
	if fileStore, ok := lio.store.(*sv.FileStore); ok {
		closeErr := fileStore.Close()
		if closeErr != nil {
			err = errors.Wrap(closeErr, "failed closing sv store")
		}
	}
	if lio.Influx != nil {
		lio.Influx.Close()
	}
	return
}

func directionString(closed bool) string {
	if closed {
		return "Closed"
	}
	return "Thrown"
}
