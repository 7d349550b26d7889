package aacp

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned when the outbound command queue cannot accept
// another frame without blocking the caller.
var ErrQueueFull = errors.New("aacp: command queue full")

const commandQueueDepth = 128

type outboundFrame struct {
	op      Opcode
	payload []byte
}

// dispatcher drains queued frames onto the session's write path from a
// single goroutine, so enqueued commands reach the accessory strictly in
// enqueue order. Failed sends are logged and never retried here; retry
// policy belongs to the caller.
type dispatcher struct {
	log   logrus.FieldLogger
	send  func(Opcode, []byte) error
	queue chan outboundFrame
	done  chan struct{}
}

func newDispatcher(log logrus.FieldLogger, send func(Opcode, []byte) error) *dispatcher {
	return &dispatcher{
		log:   log,
		send:  send,
		queue: make(chan outboundFrame, commandQueueDepth),
		done:  make(chan struct{}),
	}
}

// run drains the queue until stop closes. Pending frames at shutdown are
// discarded.
func (d *dispatcher) run(stop <-chan struct{}) {
	defer close(d.done)
	for {
		select {
		case <-stop:
			return
		case frame := <-d.queue:
			if err := d.send(frame.op, frame.payload); err != nil {
				d.log.WithError(err).WithField("opcode", frame.op).Error("queued send failed")
			}
		}
	}
}

// enqueue never blocks. When the queue is full the frame is rejected rather
// than reordered or waited on.
func (d *dispatcher) enqueue(op Opcode, payload []byte) error {
	select {
	case d.queue <- outboundFrame{op: op, payload: payload}:
		return nil
	default:
		d.log.WithField("opcode", op).Warn("dropping outbound frame")
		return ErrQueueFull
	}
}
