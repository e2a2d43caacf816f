// Package eventloop implements the URB scheduler: a mapping from (endpoint,
// direction) to a handler, a single parked EP1 IN slot, and synchronous
// EP0/EP2 dispatch. The transport calls Submit for each URB; a single Run
// goroutine retries the parked EP1 IN URB on a ticker. There is no
// goroutine-per-transfer pool.
package eventloop

import (
	"context"
	"sync"
	"time"

	"github.com/ctapgo/vhid/internal/ctaphid"
	"github.com/ctapgo/vhid/internal/obslog"
	"github.com/ctapgo/vhid/internal/usb"
)

// Endpoint numbers fixed by the descriptor table in internal/usb.
const (
	EP0 = 0
	EP1 = 1 // interrupt IN, FIDO data-in
	EP2 = 2 // interrupt OUT, FIDO data-out
)

type Direction int

const (
	Out Direction = iota
	In
)

// Status mirrors the handful of outcomes a URB completes with.
type Status int

const (
	StatusOK Status = iota
	StatusStall
	StatusUnlinked
)

// URB is the event loop's view of a USB request block: an endpoint and
// direction, an optional decoded SETUP stage (EP0 only), an OUT data
// payload, and a completion callback. Complete may run synchronously inside
// Submit, or later from Pump/Unlink if the URB was parked.
type URB struct {
	ID        uint32
	Endpoint  int
	Direction Direction
	Setup     *usb.SetupPacket
	Data      []byte
	Complete  func(data []byte, status Status)
}

// Engine owns the device's EP0 dispatcher and CTAPHID framer. Submit and the
// Run/Pump retries can run on different goroutines, so mu guards the parked
// EP1 IN slot.
type Engine struct {
	log *obslog.Logger

	usb    *usb.Engine
	framer *ctaphid.Framer

	mu       sync.Mutex
	parkedIn *URB
}

func New(usbEngine *usb.Engine, framer *ctaphid.Framer, log *obslog.Logger) *Engine {
	return &Engine{usb: usbEngine, framer: framer, log: log}
}

// Submit services one URB in submission order per endpoint.
func (e *Engine) Submit(u *URB) {
	switch {
	case u.Endpoint == EP0:
		e.handleControl(u)
	case u.Endpoint == EP1 && u.Direction == In:
		e.handleInterruptIn(u)
	case u.Endpoint == EP2 && u.Direction == Out:
		e.handleInterruptOut(u)
	default:
		u.Complete(nil, StatusStall)
	}
}

func (e *Engine) handleControl(u *URB) {
	if u.Setup == nil {
		u.Complete(nil, StatusStall)
		return
	}
	setup := *u.Setup

	if setup.Direction == usb.DeviceToHost {
		data, err := e.usb.HandleIn(setup)
		if err != nil {
			e.log.Errorf("eventloop: EP0 stall: %v", err)
			u.Complete(nil, StatusStall)
			return
		}
		u.Complete(data, StatusOK)
		return
	}

	if err := e.usb.HandleOut(setup); err != nil {
		e.log.Errorf("eventloop: EP0 stall: %v", err)
		u.Complete(nil, StatusStall)
		return
	}
	u.Complete(nil, StatusOK)
}

// handleInterruptIn completes immediately if the framer already has a reply
// queued, otherwise parks the URB — the only suspension point on EP1.
func (e *Engine) handleInterruptIn(u *URB) {
	if frame, ok := e.framer.DrainFrame(); ok {
		u.Complete(frame, StatusOK)
		return
	}

	e.mu.Lock()
	e.parkedIn = u
	e.mu.Unlock()
}

// handleInterruptOut always completes the OUT URB itself (the host doesn't
// wait for a reply on the same transfer), then tries to unpark EP1 IN — a
// PING/WINK/INIT reply is queued synchronously inside HandleOutPacket, so it
// is usually ready right away; MSG/CBOR replies land later via Pump.
func (e *Engine) handleInterruptOut(u *URB) {
	if err := e.framer.HandleOutPacket(u.Data); err != nil {
		e.log.Errorf("eventloop: EP2 framing error: %v", err)
	}
	u.Complete(nil, StatusOK)
	e.pumpIn()
}

// Pump retries the parked EP1 IN URB against the framer's send queue, the
// same retry Run performs on a timer: U2F/CTAP2 handlers run on their own
// goroutine, so a reply can appear well after the EP2 OUT URB that
// triggered it has already completed.
func (e *Engine) Pump() {
	e.pumpIn()
}

func (e *Engine) pumpIn() {
	e.mu.Lock()
	u := e.parkedIn
	if u == nil {
		e.mu.Unlock()
		return
	}
	frame, ok := e.framer.DrainFrame()
	if !ok {
		e.mu.Unlock()
		return
	}
	e.parkedIn = nil
	e.mu.Unlock()

	u.Complete(frame, StatusOK)
}

// Run pumps EP1 IN on interval until ctx is cancelled — the loop's only
// polling point, checking the parked slot against a software queue instead
// of a hardware status register.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pumpIn()
		}
	}
}

// Unlink removes the parked EP1 IN URB matching id and completes it as
// ECONNRESET, per USB/IP UNLINK (command 0x02).
func (e *Engine) Unlink(id uint32) bool {
	e.mu.Lock()
	u := e.parkedIn
	if u == nil || u.ID != id {
		e.mu.Unlock()
		return false
	}
	e.parkedIn = nil
	e.mu.Unlock()

	u.Complete(nil, StatusUnlinked)
	return true
}
