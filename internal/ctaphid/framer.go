package ctaphid

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ctapgo/vhid/internal/obslog"
	"github.com/ctapgo/vhid/internal/vherr"
)

// keepaliveInterval is the roughly-100ms cadence CTAPHID keepalives use.
const keepaliveInterval = 100 * time.Millisecond

// Handler processes one fully-assembled MSG or CBOR payload and returns the
// reply bytes to frame back to the host. It runs on its own goroutine so a
// blocking user-presence prompt never stalls the framer's packet processing.
type Handler interface {
	Handle(ctx *CommandContext, payload []byte) []byte
}

// CommandContext is handed to a Handler for the duration of one in-flight
// command. It lets the handler observe cancellation (CTAPHID CANCEL) and
// switch the keepalive status between "processing" and "user presence
// needed".
type CommandContext struct {
	cid       uint32
	cancelled atomic.Bool
	upNeeded  atomic.Bool
	done      chan struct{}
}

func newCommandContext(cid uint32) *CommandContext {
	return &CommandContext{cid: cid, done: make(chan struct{})}
}

func (c *CommandContext) Cancelled() bool { return c.cancelled.Load() }

// Done is closed the moment CANCEL arrives for this command's channel. A
// Handler blocked on something cancellable (the presence prompt) should
// select on it instead of only checking Cancelled() after unblocking.
func (c *CommandContext) Done() <-chan struct{} { return c.done }

// SetWaitingForPresence toggles the keepalive status byte the framer emits
// while this command is in flight.
func (c *CommandContext) SetWaitingForPresence(waiting bool) { c.upNeeded.Store(waiting) }

type inMessage struct {
	cmd     byte
	bcnt    int
	buf     []byte
	nextSeq byte
}

type channelState struct {
	cid        uint32
	assembling *inMessage
}

// Framer owns the channel table and the single outbound frame queue shared
// by every CID: replies across CIDs may interleave at packet boundaries but
// never at frame boundaries.
type Framer struct {
	log *obslog.Logger

	mu        sync.Mutex
	channels  map[uint32]*channelState
	nextCID   uint32
	sendQueue [][]byte
	inFlight  map[uint32]*CommandContext

	u2f   Handler
	ctap2 Handler

	allocCID func() uint32
}

// NewFramer builds a Framer dispatching MSG payloads to u2f and CBOR
// payloads to ctap2. allocCID mints a fresh channel identifier for each
// broadcast INIT (cmd/vhid and the tests supply NewCIDAllocator; it is
// injectable so a different generator can be used).
func NewFramer(u2f, ctap2 Handler, allocCID func() uint32, log *obslog.Logger) *Framer {
	return &Framer{
		log:      log,
		channels: make(map[uint32]*channelState),
		inFlight: make(map[uint32]*CommandContext),
		u2f:      u2f,
		ctap2:    ctap2,
		allocCID: allocCID,
	}
}

// DrainFrame pops the next queued 64-byte reply packet, if any. This is what
// the event loop's EP1 IN handler calls.
func (f *Framer) DrainFrame() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendQueue) == 0 {
		return nil, false
	}
	pkt := f.sendQueue[0]
	f.sendQueue = f.sendQueue[1:]
	return pkt, true
}

// Pending reports whether a reply frame is ready to drain, without removing
// it — used by the event loop to decide whether an EP1 IN URB can complete
// immediately or must be parked.
func (f *Framer) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sendQueue) > 0
}

func (f *Framer) enqueue(cid uint32, cmd byte, payload []byte) {
	frames := frameMessage(cid, cmd, payload)
	f.mu.Lock()
	f.sendQueue = append(f.sendQueue, frames...)
	f.mu.Unlock()
}

func (f *Framer) sendError(cid uint32, code byte) {
	f.enqueue(cid, CmdError, []byte{code})
}

func (f *Framer) channel(cid uint32) *channelState {
	ch, ok := f.channels[cid]
	if !ok {
		ch = &channelState{cid: cid}
		f.channels[cid] = ch
	}
	return ch
}

// HandleOutPacket processes one 64-byte EP2 OUT packet: extract the CID,
// route to INIT or CONT assembly, and dispatch once a message completes.
func (f *Framer) HandleOutPacket(pkt []byte) error {
	if len(pkt) != PacketSize {
		return vherr.ErrHidFraming
	}

	cid, isInit, cmdOrSeq := decodePacketHeader(pkt)

	if cid == CIDReserved {
		f.sendError(CIDBroadcast, ErrInvalidCid)
		return nil
	}

	f.mu.Lock()
	ch := f.channel(cid)

	if isInit {
		for other, ctx := range f.inFlight {
			if other != cid {
				f.mu.Unlock()
				f.sendError(cid, ErrChannelBusy)
				return nil
			}
			// INIT on the CID that owns the in-flight command: legal
			// restart, abort it so its eventual reply never lands.
			cancelContext(ctx)
			delete(f.inFlight, cid)
		}

		bcnt := int(uint16(pkt[5])<<8 | uint16(pkt[6]))
		data := append([]byte{}, pkt[initHeaderLen:initHeaderLen+min(bcnt, initDataLen)]...)

		// A second INIT-bit packet on a CID with an assembly already open
		// aborts the first silently and restarts — invariant (i): a
		// channel holds at most one in-flight request.
		ch.assembling = &inMessage{cmd: cmdOrSeq, bcnt: bcnt, buf: data}

		if len(ch.assembling.buf) >= ch.assembling.bcnt {
			msg := ch.assembling
			ch.assembling = nil
			f.mu.Unlock()
			f.dispatch(cid, msg.cmd, msg.buf)
			return nil
		}
		f.mu.Unlock()
		return nil
	}

	seq := cmdOrSeq
	if ch.assembling == nil {
		f.mu.Unlock()
		f.sendError(cid, ErrInvalidSeq)
		return nil
	}
	if seq != ch.assembling.nextSeq {
		ch.assembling = nil
		f.mu.Unlock()
		f.sendError(cid, ErrInvalidSeq)
		return nil
	}

	remaining := ch.assembling.bcnt - len(ch.assembling.buf)
	n := min(remaining, contDataLen)
	ch.assembling.buf = append(ch.assembling.buf, pkt[contHeaderLen:contHeaderLen+n]...)
	ch.assembling.nextSeq++

	if len(ch.assembling.buf) >= ch.assembling.bcnt {
		msg := ch.assembling
		ch.assembling = nil
		f.mu.Unlock()
		f.dispatch(cid, msg.cmd, msg.buf)
		return nil
	}
	f.mu.Unlock()
	return nil
}

func (f *Framer) dispatch(cid uint32, cmd byte, payload []byte) {
	switch cmd {
	case CmdInit:
		f.handleInit(cid, payload)
	case CmdPing:
		f.enqueue(cid, CmdPing, payload)
	case CmdWink:
		f.enqueue(cid, CmdWink, nil)
	case CmdLock:
		f.enqueue(cid, CmdLock, nil)
	case CmdCancel:
		f.cancel(cid)
	case CmdMsg:
		f.dispatchAsync(cid, CmdMsg, payload, f.u2f)
	case CmdCbor:
		f.dispatchAsync(cid, CmdCbor, payload, f.ctap2)
	default:
		f.sendError(cid, ErrInvalidCmd)
	}
}

func (f *Framer) handleInit(cid uint32, nonce []byte) {
	newCID := cid
	if cid == CIDBroadcast {
		newCID = f.allocCID()
	}

	f.mu.Lock()
	f.channel(newCID)
	f.mu.Unlock()

	resp := make([]byte, 0, 17)
	resp = append(resp, nonce...)
	cidBytes := make([]byte, 4)
	cidBytes[0] = byte(newCID >> 24)
	cidBytes[1] = byte(newCID >> 16)
	cidBytes[2] = byte(newCID >> 8)
	cidBytes[3] = byte(newCID)
	resp = append(resp, cidBytes...)
	resp = append(resp, ProtocolVersion, DeviceVersionMajor, DeviceVersionMinor, DeviceVersionBuild, CapWink|CapCBOR)

	f.enqueue(cid, CmdInit, resp)
}

func (f *Framer) cancel(cid uint32) {
	f.mu.Lock()
	ctx, ok := f.inFlight[cid]
	f.mu.Unlock()
	if ok {
		cancelContext(ctx)
	}
}

// cancelContext marks ctx cancelled and wakes anything blocked on its Done
// channel. Safe to call more than once.
func cancelContext(ctx *CommandContext) {
	if ctx.cancelled.CompareAndSwap(false, true) {
		close(ctx.done)
	}
}

// dispatchAsync runs handler.Handle on its own goroutine and starts a
// keepalive ticker alongside it, stopping both once the handler returns and
// framing the result as a reply on cid.
func (f *Framer) dispatchAsync(cid uint32, cmd byte, payload []byte, handler Handler) {
	ctx := newCommandContext(cid)

	f.mu.Lock()
	f.inFlight[cid] = ctx
	f.mu.Unlock()

	done := make(chan struct{})
	go f.runKeepalive(cid, ctx, done)

	go func() {
		defer close(done)
		reply := handler.Handle(ctx, payload)

		f.mu.Lock()
		delete(f.inFlight, cid)
		f.mu.Unlock()

		f.enqueue(cid, cmd, reply)
	}()
}

func (f *Framer) runKeepalive(cid uint32, ctx *CommandContext, done chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			status := KeepaliveProcessing
			if ctx.upNeeded.Load() {
				status = KeepaliveUpNeeded
			}
			f.enqueue(cid, CmdKeepalive, []byte{status})
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
