package loconet

import (
	"github.com/pkg/errors"
)

// Transport delivers raw bus messages. Receive must not block: it hands
// out at most one pending message per call, matching the one frame per
// dispatcher tick contract.
type Transport interface {
	Receive() (Message, bool)
	Send(Message) error
	Close() error
}

const loopbackBuffer = 32

// Loopback is an in-process Transport for tests and mock runs. Inject
// queues inbound messages, Drain collects what the node sent.
type Loopback struct {
	in   chan Message
	out  chan Message
	done bool
}

func NewLoopback() *Loopback {
	return &Loopback{
		in:  make(chan Message, loopbackBuffer),
		out: make(chan Message, loopbackBuffer),
	}
}

func (lb *Loopback) Inject(m Message) {
	lb.in <- m
}

func (lb *Loopback) Receive() (Message, bool) {
	select {
	case m := <-lb.in:
		return m, true
	default:
		return nil, false
	}
}

func (lb *Loopback) Send(m Message) error {
	if lb.done {
		return errors.New("loopback transport closed")
	}
	select {
	case lb.out <- m:
		return nil
	default:
		return errors.New("loopback outbound buffer full")
	}
}

// Drain returns all messages sent so far.
func (lb *Loopback) Drain() (sent []Message) {
	for {
		select {
		case m := <-lb.out:
			sent = append(sent, m)
		default:
			return
		}
	}
}

func (lb *Loopback) Close() error {
	lb.done = true
	return nil
}
