package eventloop

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ctapgo/vhid/internal/ctaphid"
	"github.com/ctapgo/vhid/internal/hid"
	"github.com/ctapgo/vhid/internal/obslog"
	"github.com/ctapgo/vhid/internal/usb"
)

type echoHandler struct{}

func (echoHandler) Handle(ctx *ctaphid.CommandContext, payload []byte) []byte { return payload }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dev := usb.NewDevice(hid.ReportDescriptor(), "vhid", "virtual FIDO authenticator", "0001")
	usbEngine := usb.NewEngine(dev)
	framer := ctaphid.NewFramer(echoHandler{}, echoHandler{}, ctaphid.NewCIDAllocator(), obslog.NewSilent("eventloop-test"))
	return New(usbEngine, framer, obslog.NewSilent("eventloop-test"))
}

func pingPacket(cid uint32) []byte {
	pkt := make([]byte, ctaphid.PacketSize)
	pkt[0], pkt[1], pkt[2], pkt[3] = byte(cid>>24), byte(cid>>16), byte(cid>>8), byte(cid)
	pkt[4] = ctaphid.CmdPing | 0x80
	pkt[6] = 4
	copy(pkt[7:], []byte{1, 2, 3, 4})
	return pkt
}

func TestEP1ParksThenCompletesAfterEP2(t *testing.T) {
	e := newTestEngine(t)

	var completed []byte
	var status Status
	done := make(chan struct{})
	inURB := &URB{ID: 1, Endpoint: EP1, Direction: In, Complete: func(data []byte, st Status) {
		completed = data
		status = st
		close(done)
	}}
	e.Submit(inURB)
	require.Nil(t, completed)

	outURB := &URB{ID: 2, Endpoint: EP2, Direction: Out, Data: pingPacket(1), Complete: func([]byte, Status) {}}
	e.Submit(outURB)

	<-done
	require.Equal(t, StatusOK, status)
	require.NotEmpty(t, completed)
}

func TestUnlinkCompletesParkedURBWithStatusUnlinked(t *testing.T) {
	e := newTestEngine(t)

	var status Status
	inURB := &URB{ID: 7, Endpoint: EP1, Direction: In, Complete: func(_ []byte, st Status) { status = st }}
	e.Submit(inURB)

	require.True(t, e.Unlink(7))
	require.Equal(t, StatusUnlinked, status)
	require.False(t, e.Unlink(7))
}

func TestEP0StallOnUnknownRequest(t *testing.T) {
	e := newTestEngine(t)

	var status Status
	setup := usb.SetupPacket{Direction: usb.DeviceToHost, Type: usb.Vendor, Recipient: usb.RecipDevice, Request: 0x55}
	u := &URB{Endpoint: EP0, Setup: &setup, Complete: func(_ []byte, st Status) { status = st }}
	e.Submit(u)

	require.Equal(t, StatusStall, status)
}
