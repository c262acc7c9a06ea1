package locoio

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/locoio/drivers"
	"github.com/hubertat/locoio/loconet"
	"github.com/hubertat/locoio/sv"
)

// pulseOutputDuration is how long a pulse-mode output stays high before
// it is driven back low.
const pulseOutputDuration = 150 * time.Millisecond

// PinController owns the 16 logical channels: hardware direction setup,
// input edge detection and the three output actuation policies. All
// configuration comes from the SV table; hardware access goes through
// the IoDriver.
type PinController struct {
	table  *sv.Table
	driver drivers.IoDriver
	pinMap [sv.PinCount]uint16

	inputs  [sv.PinCount]drivers.DigitalInput
	outputs [sv.PinCount]drivers.DigitalOutput

	// pending pulse deadlines, zero time = idle. Checked every tick so
	// a pulse never blocks frame reception.
	pulses [sv.PinCount]time.Time

	// outMu serializes output driver access between the dispatcher and
	// the diagnostics server.
	outMu sync.Mutex

	send     func(loconet.Message) error
	onSensor func(index int, address uint16, state bool)
	logger   *log.Logger
	now      func() time.Time
}

func NewPinController(table *sv.Table, driver drivers.IoDriver, pinMap [sv.PinCount]uint16, send func(loconet.Message) error, logger *log.Logger) *PinController {
	return &PinController{
		table:  table,
		driver: driver,
		pinMap: pinMap,
		send:   send,
		logger: logger,
		now:    time.Now,
	}
}

// OnSensorChange registers an observer called after every reported
// input transition. Used for the Influx recorder; protocol behavior
// never depends on it.
func (pc *PinController) OnSensorChange(observer func(index int, address uint16, state bool)) {
	pc.onSensor = observer
}

// Configure sets every channel's hardware direction from the table and
// claims the driver pins: outputs where cnfg says output, inputs with
// pull-up everywhere else.
func (pc *PinController) Configure(ctx context.Context) error {
	var inPins, outPins []uint16
	for n := 0; n < sv.PinCount; n++ {
		if pc.table.Pin(n).Output {
			outPins = append(outPins, pc.pinMap[n])
		} else {
			inPins = append(inPins, pc.pinMap[n])
		}
	}

	err := pc.driver.Setup(ctx, inPins, outPins)
	if err != nil {
		return errors.Wrapf(err, "failed to setup %s driver", pc.driver)
	}

	for n := 0; n < sv.PinCount; n++ {
		if pc.table.Pin(n).Output {
			pc.outputs[n], err = pc.driver.GetOutput(pc.pinMap[n])
		} else {
			pc.inputs[n], err = pc.driver.GetInput(pc.pinMap[n])
		}
		if err != nil {
			return errors.Wrapf(err, "failed to claim pin %d (channel %d)", pc.pinMap[n], n)
		}
	}

	return nil
}

// ReadLevel returns the current hardware level of an input channel.
func (pc *PinController) ReadLevel(index int) (bool, error) {
	input := pc.inputs[index]
	if input == nil {
		return false, errors.Errorf("channel %d is not an input", index)
	}
	return input.GetState()
}

// PollInputs samples every input channel once and reports level
// transitions on the bus. Single-sample edge detection, no debounce:
// noise sensitivity is an accepted limitation of the original board.
func (pc *PinController) PollInputs() {
	for n := 0; n < sv.PinCount; n++ {
		input := pc.inputs[n]
		if input == nil || pc.table.Pin(n).Output {
			// direction changes written over the bus take effect after
			// a restart, same as the original board
			continue
		}

		state, err := input.GetState()
		if err != nil {
			pc.logger.Warn("failed reading input", "channel", n, "err", err)
			continue
		}

		if state == pc.table.Pin(n).LastLevel {
			continue
		}

		_, value1, value2 := pc.table.PinRaw(n)
		address := uint16(value1)<<1 | boolBit(pc.table.Pin(n).Polarity)
		pc.logger.Debug("input changed, informing", "channel", n, "pin", pc.pinMap[n], "address", address, "state", state)

		err = pc.send(loconet.BuildInputReport(value1, value2))
		if err != nil {
			pc.logger.Warn("failed sending input report", "channel", n, "err", err)
		}

		if pc.onSensor != nil {
			pc.onSensor(n, address, state)
		}

		pc.table.SetLastLevel(n, state)
	}
}

// HandleSwitchRequest routes a switch command to the first output
// channel with a matching address, in index order. Later channels
// sharing the address are never evaluated, even when the selected
// channel's policy ignores the message. That scan order is a deliberate
// compatibility decision.
func (pc *PinController) HandleSwitchRequest(address uint16, on, closed bool) {
	for n := 0; n < sv.PinCount; n++ {
		cfg := pc.table.Pin(n)
		if !cfg.Output || uint16(cfg.Address) != address-1 {
			continue
		}
		output := pc.outputs[n]
		if output == nil {
			return
		}

		switch {
		case cfg.Pulse:
			// pulse mode always has hardware-reset semantics: only an
			// ON message for the matching direction fires, OFF is ignored
			if on && closed == cfg.Polarity {
				pc.setOutput(n, output, true)
				pc.pulses[n] = pc.now().Add(pulseOutputDuration)
			}
		case cfg.HardwareReset:
			if closed == cfg.Polarity {
				pc.setOutput(n, output, on)
			}
		default:
			// software reset: ON for one direction drives high, ON for
			// the other drives low, OFF messages never change the pin
			if on {
				pc.setOutput(n, output, closed == cfg.Polarity)
			}
		}
		return
	}
}

// TickPulses drives expired pulse outputs back low. Called once per
// dispatcher tick in place of the GCA50 firmware's blocking delay,
// keeping the same observable on/off timing.
func (pc *PinController) TickPulses() {
	now := pc.now()
	for n := 0; n < sv.PinCount; n++ {
		if pc.pulses[n].IsZero() || now.Before(pc.pulses[n]) {
			continue
		}
		output := pc.outputs[n]
		if output != nil {
			pc.setOutput(n, output, false)
		}
		pc.pulses[n] = time.Time{}
	}
}

// OutputLevel reads the current driver level of an output channel.
// Diagnostics only; reports false for channels without an output handle.
func (pc *PinController) OutputLevel(index int) (state bool, ok bool) {
	output := pc.outputs[index]
	if output == nil {
		return false, false
	}

	pc.outMu.Lock()
	defer pc.outMu.Unlock()

	state, err := output.GetState()
	if err != nil {
		return false, false
	}
	return state, true
}

func (pc *PinController) setOutput(index int, output drivers.DigitalOutput, state bool) {
	pc.outMu.Lock()
	defer pc.outMu.Unlock()

	err := output.Set(state)
	if err != nil {
		pc.logger.Warn("failed setting output", "channel", index, "state", state, "err", err)
	}
}

func boolBit(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}
