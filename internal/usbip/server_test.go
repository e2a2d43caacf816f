package usbip

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ctapgo/vhid/internal/ctaphid"
	"github.com/ctapgo/vhid/internal/eventloop"
	"github.com/ctapgo/vhid/internal/hid"
	"github.com/ctapgo/vhid/internal/obslog"
	"github.com/ctapgo/vhid/internal/usb"
)

type echoHandler struct{}

func (echoHandler) Handle(ctx *ctaphid.CommandContext, payload []byte) []byte { return payload }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dev := usb.NewDevice(hid.ReportDescriptor(), "vhid", "virtual FIDO authenticator", "0001")
	usbEngine := usb.NewEngine(dev)
	framer := ctaphid.NewFramer(echoHandler{}, echoHandler{}, ctaphid.NewCIDAllocator(), obslog.NewSilent("usbip-test"))
	loop := eventloop.New(usbEngine, framer, obslog.NewSilent("usbip-test"))
	return New(dev, loop, "1-1", obslog.NewSilent("usbip-test"))
}

func mgmtRequest(code uint16) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], Version)
	binary.BigEndian.PutUint16(buf[2:4], code)
	return buf[:]
}

func TestHandleConnDevList(t *testing.T) {
	s := newTestServer(t)
	client, serverConn := net.Pipe()
	go func() { _ = s.handleConn(serverConn) }()

	_, err := client.Write(mgmtRequest(OpReqDevlist))
	require.NoError(t, err)

	var hdr [8]byte
	require.NoError(t, readFull(t, client, hdr[:]))
	require.Equal(t, Version, binary.BigEndian.Uint16(hdr[0:2]))
	require.Equal(t, OpRepDevlist, binary.BigEndian.Uint16(hdr[2:4]))

	var n [4]byte
	require.NoError(t, readFull(t, client, n[:]))
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(n[:]))

	var path [256]byte
	require.NoError(t, readFull(t, client, path[:]))
	require.Equal(t, "/sys/devices/virtual/vhid/1-1", string(bytes.TrimRight(path[:], "\x00")))

	var busid [32]byte
	require.NoError(t, readFull(t, client, busid[:]))
	require.Equal(t, "1-1", string(bytes.TrimRight(busid[:], "\x00")))

	client.Close()
}

func TestHandleConnImportThenGetDeviceDescriptor(t *testing.T) {
	s := newTestServer(t)
	client, serverConn := net.Pipe()
	go func() { _ = s.handleConn(serverConn) }()

	req := mgmtRequest(OpReqImport)
	var busid [32]byte
	copy(busid[:], "1-1")
	req = append(req, busid[:]...)
	_, err := client.Write(req)
	require.NoError(t, err)

	var hdr [8]byte
	require.NoError(t, readFull(t, client, hdr[:]))
	require.Equal(t, OpRepImport, binary.BigEndian.Uint16(hdr[2:4]))
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(hdr[4:8]))

	var summary [312]byte
	require.NoError(t, readFull(t, client, summary[:]))

	// GET_DESCRIPTOR(Device), wLength 18, over EP0.
	setup := [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 18, 0x00}
	var urb [urbHdrSize]byte
	binary.BigEndian.PutUint32(urb[urbHdrOffsetCommand:], CmdSubmitCode)
	binary.BigEndian.PutUint32(urb[urbHdrOffsetSeqnum:], 7)
	binary.BigEndian.PutUint32(urb[urbHdrOffsetDir:], DirIn)
	binary.BigEndian.PutUint32(urb[urbHdrOffsetEp:], 0)
	binary.BigEndian.PutUint32(urb[urbHdrOffsetLength:], 18)
	copy(urb[urbHdrOffsetSetup:], setup[:])

	_, err = client.Write(urb[:])
	require.NoError(t, err)

	var ret [urbHdrSize]byte
	require.NoError(t, readFull(t, client, ret[:]))
	require.Equal(t, RetSubmitCode, binary.BigEndian.Uint32(ret[urbHdrOffsetCommand:]))
	require.Equal(t, uint32(7), binary.BigEndian.Uint32(ret[urbHdrOffsetSeqnum:]))
	require.Equal(t, int32(0), int32(binary.BigEndian.Uint32(ret[0x14:])))
	actualLen := binary.BigEndian.Uint32(ret[0x18:])
	require.Equal(t, uint32(18), actualLen)

	data := make([]byte, actualLen)
	require.NoError(t, readFull(t, client, data))
	require.Equal(t, uint8(18), data[0])             // bLength
	require.Equal(t, uint8(usb.DescDevice), data[1]) // bDescriptorType

	client.Close()
}

func TestHandleConnImportRejectsUnknownBusID(t *testing.T) {
	s := newTestServer(t)
	client, serverConn := net.Pipe()
	go func() { _ = s.handleConn(serverConn) }()

	req := mgmtRequest(OpReqImport)
	var busid [32]byte
	copy(busid[:], "9-9")
	req = append(req, busid[:]...)
	_, err := client.Write(req)
	require.NoError(t, err)

	var hdr [8]byte
	require.NoError(t, readFull(t, client, hdr[:]))
	require.Equal(t, OpRepImport, binary.BigEndian.Uint16(hdr[2:4]))
	require.NotEqual(t, uint32(0), binary.BigEndian.Uint32(hdr[4:8]))

	client.Close()
}

func readFull(t *testing.T, r io.Reader, buf []byte) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { _, err := io.ReadFull(r, buf); errCh <- err }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out reading from pipe")
		return nil
	}
}
