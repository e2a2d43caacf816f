package ctaphid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type echoHandler struct{}

func (echoHandler) Handle(ctx *CommandContext, payload []byte) []byte { return payload }

func newTestFramer() *Framer {
	return NewFramer(echoHandler{}, echoHandler{}, NewCIDAllocator(), nil)
}

// blockingHandler blocks inside Handle until released is closed, reporting
// its CommandContext on started so a test can observe or cancel it while
// the command is in flight.
type blockingHandler struct {
	started  chan *CommandContext
	released chan struct{}
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{started: make(chan *CommandContext, 1), released: make(chan struct{})}
}

func (h *blockingHandler) Handle(ctx *CommandContext, payload []byte) []byte {
	h.started <- ctx
	<-h.released
	return payload
}

func feedPackets(t *testing.T, f *Framer, packets [][]byte) {
	t.Helper()
	for _, p := range packets {
		require.NoError(t, f.HandleOutPacket(p))
	}
}

func drainAll(f *Framer) [][]byte {
	var out [][]byte
	for {
		pkt, ok := f.DrainFrame()
		if !ok {
			return out
		}
		out = append(out, pkt)
	}
}

func TestInitOnBroadcastAllocatesChannel(t *testing.T) {
	f := newTestFramer()
	nonce := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	req := frameMessage(CIDBroadcast, CmdInit, nonce)
	require.Len(t, req, 1)

	feedPackets(t, f, req)

	frames := drainAll(f)
	require.Len(t, frames, 1)

	cid, isInit, cmd := decodePacketHeader(frames[0])
	require.Equal(t, CIDBroadcast, cid)
	require.True(t, isInit)
	require.Equal(t, CmdInit, cmd)

	payload := frames[0][initHeaderLen:]
	require.Equal(t, nonce, payload[:8])
	require.Equal(t, byte(CapWink|CapCBOR), payload[16])
}

func TestPingRoundTrip(t *testing.T) {
	f := newTestFramer()
	cid := uint32(42)
	payload := make([]byte, 130)
	for i := range payload {
		payload[i] = byte(i)
	}

	feedPackets(t, f, frameMessage(cid, CmdPing, payload))

	frames := drainAll(f)
	require.NotEmpty(t, frames)

	got := reassemble(t, frames)
	require.Equal(t, payload, got)
}

func TestSequenceEnforcement(t *testing.T) {
	f := newTestFramer()
	cid := uint32(7)
	payload := make([]byte, 200)

	packets := frameMessage(cid, CmdPing, payload)
	require.Greater(t, len(packets), 2)

	require.NoError(t, f.HandleOutPacket(packets[0]))
	// Skip packets[1], feed packets[2] with the wrong sequence number.
	require.NoError(t, f.HandleOutPacket(packets[2]))

	frames := drainAll(f)
	require.Len(t, frames, 1)
	cidGot, isInit, cmd := decodePacketHeader(frames[0])
	require.Equal(t, cid, cidGot)
	require.True(t, isInit)
	require.Equal(t, CmdError, cmd)
	require.Equal(t, ErrInvalidSeq, frames[0][initHeaderLen])
}

func TestInvalidCIDZero(t *testing.T) {
	f := newTestFramer()
	pkt := frameMessage(CIDReserved, CmdPing, []byte{1})[0]
	require.NoError(t, f.HandleOutPacket(pkt))

	frames := drainAll(f)
	require.Len(t, frames, 1)
	cid, _, cmd := decodePacketHeader(frames[0])
	require.Equal(t, CIDBroadcast, cid)
	require.Equal(t, CmdError, cmd)
	require.Equal(t, ErrInvalidCid, frames[0][initHeaderLen])
}

func TestChannelBusyRejectsDifferentCID(t *testing.T) {
	h := newBlockingHandler()
	f := NewFramer(h, echoHandler{}, NewCIDAllocator(), nil)
	cidA, cidB := uint32(10), uint32(20)

	require.NoError(t, f.HandleOutPacket(frameMessage(cidA, CmdMsg, []byte("hi"))[0]))
	<-h.started

	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, f.HandleOutPacket(frameMessage(cidB, CmdInit, nonce)[0]))

	frames := drainAll(f)
	require.Len(t, frames, 1)
	cidGot, _, cmd := decodePacketHeader(frames[0])
	require.Equal(t, cidB, cidGot)
	require.Equal(t, CmdError, cmd)
	require.Equal(t, ErrChannelBusy, frames[0][initHeaderLen])

	close(h.released)
}

func TestSameCIDInitRestartsInFlightCommand(t *testing.T) {
	h := newBlockingHandler()
	f := NewFramer(h, echoHandler{}, NewCIDAllocator(), nil)
	cid := uint32(5)

	require.NoError(t, f.HandleOutPacket(frameMessage(cid, CmdMsg, []byte("hi"))[0]))
	ctx := <-h.started
	require.False(t, ctx.Cancelled())

	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, f.HandleOutPacket(frameMessage(cid, CmdInit, nonce)[0]))
	require.True(t, ctx.Cancelled())

	frames := drainAll(f)
	require.Len(t, frames, 1)
	cidGot, isInit, cmd := decodePacketHeader(frames[0])
	require.Equal(t, cid, cidGot)
	require.True(t, isInit)
	require.Equal(t, CmdInit, cmd)

	close(h.released)
}

func TestCancelClosesCommandContextDone(t *testing.T) {
	h := newBlockingHandler()
	f := NewFramer(h, echoHandler{}, NewCIDAllocator(), nil)
	cid := uint32(99)

	require.NoError(t, f.HandleOutPacket(frameMessage(cid, CmdMsg, []byte("hi"))[0]))
	ctx := <-h.started
	require.False(t, ctx.Cancelled())

	require.NoError(t, f.HandleOutPacket(frameMessage(cid, CmdCancel, nil)[0]))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("CANCEL did not close CommandContext.Done()")
	}
	require.True(t, ctx.Cancelled())

	close(h.released)
}

// TestChannelIsolationInterleavedPings feeds two CIDs' PING packets
// interleaved packet-by-packet and checks each channel's message still
// assembles independently and correctly.
func TestChannelIsolationInterleavedPings(t *testing.T) {
	f := newTestFramer()
	cidA, cidB := uint32(1), uint32(2)

	payloadA := make([]byte, 130)
	payloadB := make([]byte, 150)
	for i := range payloadA {
		payloadA[i] = byte(i)
	}
	for i := range payloadB {
		payloadB[i] = byte(i + 1)
	}

	packetsA := frameMessage(cidA, CmdPing, payloadA)
	packetsB := frameMessage(cidB, CmdPing, payloadB)
	require.Greater(t, len(packetsA), 1)
	require.Greater(t, len(packetsB), 1)

	max := len(packetsA)
	if len(packetsB) > max {
		max = len(packetsB)
	}
	for i := 0; i < max; i++ {
		if i < len(packetsA) {
			require.NoError(t, f.HandleOutPacket(packetsA[i]))
		}
		if i < len(packetsB) {
			require.NoError(t, f.HandleOutPacket(packetsB[i]))
		}
	}

	var framesA, framesB [][]byte
	for _, fr := range drainAll(f) {
		cid, _, _ := decodePacketHeader(fr)
		switch cid {
		case cidA:
			framesA = append(framesA, fr)
		case cidB:
			framesB = append(framesB, fr)
		}
	}
	require.Equal(t, payloadA, reassemble(t, framesA))
	require.Equal(t, payloadB, reassemble(t, framesB))
}

// reassemble decodes a contiguous INIT+CONT burst back into its payload.
func reassemble(t *testing.T, frames [][]byte) []byte {
	t.Helper()
	require.NotEmpty(t, frames)

	_, isInit, _ := decodePacketHeader(frames[0])
	require.True(t, isInit)
	bcnt := int(uint16(frames[0][5])<<8 | uint16(frames[0][6]))

	buf := append([]byte{}, frames[0][initHeaderLen:]...)
	for _, pkt := range frames[1:] {
		buf = append(buf, pkt[contHeaderLen:]...)
	}
	if len(buf) > bcnt {
		buf = buf[:bcnt]
	}
	return buf
}
