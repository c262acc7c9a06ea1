package drivers

import "context"

// IoDriver is the hardware access layer behind the 16 logical channels.
// Setup gets the full list of input and output pins up front, derived
// from the SV table, so a driver can claim and configure everything in
// one pass. Inputs are expected to be pulled up.
type IoDriver interface {
	Setup(ctx context.Context, inputs []uint16, outputs []uint16) error
	Close() error
	String() string
	IsReady() bool
	GetInput(pin uint16) (DigitalInput, error)
	GetOutput(pin uint16) (DigitalOutput, error)
	GetAllIo() (inputs []uint16, outputs []uint16)
}

type DigitalInput interface {
	GetState() (bool, error)
}

type DigitalOutput interface {
	GetState() (bool, error)
	Set(bool) error
}
