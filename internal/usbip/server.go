package usbip

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/ctapgo/vhid/internal/eventloop"
	"github.com/ctapgo/vhid/internal/obslog"
	"github.com/ctapgo/vhid/internal/usb"
	"github.com/ctapgo/vhid/internal/vherr"
)

// speedHigh is usbip's USB_SPEED_HIGH enum value, per include/uapi/linux/usb/ch9.h's
// usb speed ordering (unknown=0, low=1, full=2, high=3).
const speedHigh uint32 = 3

// headerPeekSize is the shared prefix of every management-phase message
// (version uint16, command uint16, status uint32).
const headerPeekSize = 8

// pumpInterval is how often the event loop's parked EP1 IN URB is retried
// against the framer's queue while no new EP2 OUT URB has arrived to
// trigger a Pump directly.
const pumpInterval = 20 * time.Millisecond

// Server accepts USB/IP connections and serves the single virtual device
// described by dev, dispatching every URB through loop.
type Server struct {
	log      *obslog.Logger
	listener net.Listener

	busID string
	dev   *usb.Device
	loop  *eventloop.Engine
}

// New builds a Server for dev, advertised under busID (e.g. "1-1").
func New(dev *usb.Device, loop *eventloop.Engine, busID string, log *obslog.Logger) *Server {
	return &Server{busID: busID, dev: dev, loop: loop, log: log}
}

// ListenAndServe listens on addr and serves connections until ctx is
// cancelled. Each connection is handled on its own goroutine; the event loop
// itself (internal/eventloop.Engine) has no per-connection state, so
// multiple simultaneous attach attempts are safe, if unusual.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", vherr.ErrTransport, addr, err)
	}
	s.listener = ln
	s.log.Infof("usbip: listening on %s, bus-id %s", addr, s.busID)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	go s.loop.Run(pumpCtx, pumpInterval)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("%w: accept: %v", vherr.ErrTransport, err)
		}
		go func() {
			if err := s.handleConn(conn); err != nil {
				s.log.Warnf("usbip: connection closed: %v", err)
			}
		}()
	}
}

func (s *Server) exportedDevice() ExportedDevice {
	desc := s.dev.Descriptor
	exp := ExportedDevice{
		Path:                "/sys/devices/virtual/vhid/" + s.busID,
		BusID:               s.busID,
		BusNum:              1,
		DevNum:              1,
		Speed:               speedHigh,
		IDVendor:            desc.VendorID,
		IDProduct:           desc.ProductID,
		BcdDevice:           desc.BcdDevice,
		BDeviceClass:        desc.DeviceClass,
		BDeviceSubClass:     desc.DeviceSubClass,
		BDeviceProtocol:     desc.DeviceProtocol,
		BConfigurationValue: s.dev.ConfigurationValue,
		BNumConfigurations:  desc.NumConfigurations,
		BNumInterfaces:      1,
	}
	if exp.BConfigurationValue == 0 {
		exp.BConfigurationValue = 1
	}
	exp.Interfaces = []InterfaceDesc{{
		Class:    s.dev.Interface.InterfaceClass,
		SubClass: s.dev.Interface.InterfaceSubClass,
		Protocol: s.dev.Interface.InterfaceProtocol,
	}}
	return exp
}

// handleConn peeks the management-phase header to tell a DEVLIST request
// from an IMPORT request, then either replies and closes (DEVLIST) or
// replies and switches the same connection into the URB stream (IMPORT).
func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()

	var hdr [headerPeekSize]byte
	if err := readExactly(conn, hdr[:]); err != nil {
		return fmt.Errorf("read management header: %w", err)
	}
	ver := binary.BigEndian.Uint16(hdr[0:2])
	code := binary.BigEndian.Uint16(hdr[2:4])

	if ver != Version {
		return fmt.Errorf("%w: unsupported USB/IP version %#x", vherr.ErrProtocol, ver)
	}

	switch code {
	case OpReqDevlist:
		s.log.Debugf("usbip: OP_REQ_DEVLIST")
		return s.handleDevList(conn)
	case OpReqImport:
		s.log.Debugf("usbip: OP_REQ_IMPORT")
		if err := s.handleImport(conn); err != nil {
			return fmt.Errorf("handle import: %w", err)
		}
		return s.handleURBStream(conn)
	default:
		return fmt.Errorf("%w: unexpected management command %#x", vherr.ErrProtocol, code)
	}
}

func (s *Server) handleDevList(conn net.Conn) error {
	var buf bytes.Buffer
	_ = MgmtHeader{Version: Version, Command: OpRepDevlist}.Write(&buf)
	_ = DevListReplyHeader{NDevices: 1}.Write(&buf)
	_ = s.exportedDevice().WriteDevlist(&buf)
	_, err := conn.Write(buf.Bytes())
	return err
}

func (s *Server) handleImport(conn net.Conn) error {
	var busid [busIDSize]byte
	if err := readExactly(conn, busid[:]); err != nil {
		return fmt.Errorf("read import busid: %w", err)
	}
	requested := string(bytes.TrimRight(busid[:], "\x00"))

	var buf bytes.Buffer
	if requested != s.busID {
		_ = MgmtHeader{Version: Version, Command: OpRepImport, Status: 1}.Write(&buf)
		if _, err := conn.Write(buf.Bytes()); err != nil {
			return err
		}
		return fmt.Errorf("%w: import requested unknown bus-id %q", vherr.ErrProtocol, requested)
	}

	_ = MgmtHeader{Version: Version, Command: OpRepImport}.Write(&buf)
	_ = s.exportedDevice().WriteImport(&buf)
	_, err := conn.Write(buf.Bytes())
	return err
}

// handleURBStream reads CMD_SUBMIT/CMD_UNLINK headers off conn for as long
// as it stays open, translating each into an eventloop.URB and writing back
// the matching RET_SUBMIT/RET_UNLINK reply once Complete runs.
func (s *Server) handleURBStream(conn net.Conn) error {
	for {
		var raw [urbHdrSize]byte
		if err := readExactly(conn, raw[:]); err != nil {
			return fmt.Errorf("read URB header: %w", err)
		}
		d, err := decodeURBHeader(raw[:])
		if err != nil {
			return err
		}

		if d.Command == CmdUnlinkCode {
			s.loop.Unlink(d.UnlinkSeqnum)
			if err := NewRetUnlink(d.Seqnum).Write(conn); err != nil {
				return fmt.Errorf("write RET_UNLINK: %w", err)
			}
			continue
		}
		if d.Command != CmdSubmitCode {
			return fmt.Errorf("%w: unsupported URB command %#x", vherr.ErrProtocol, d.Command)
		}

		var payload []byte
		if d.Direction == DirOut && d.TransferLength > 0 {
			payload = make([]byte, d.TransferLength)
			if err := readExactly(conn, payload); err != nil {
				return fmt.Errorf("read OUT payload: %w", err)
			}
		}

		if err := s.submit(conn, d, payload); err != nil {
			return err
		}
	}
}

// submit converts one decoded URB header into an eventloop.URB. EP0 and EP2
// OUT complete synchronously inside Submit; an EP1 IN URB may park, in
// which case Complete fires later from the event loop's pump goroutine —
// replies are written from whichever goroutine runs Complete, so writes to
// conn must not interleave with handleURBStream's own reads (TCP is
// full-duplex; net.Conn permits concurrent Read/Write from different
// goroutines).
func (s *Server) submit(conn net.Conn, d decodedURBHeader, payload []byte) error {
	dir := eventloop.Out
	if d.Direction == DirIn {
		dir = eventloop.In
	}

	u := &eventloop.URB{
		ID:        d.Seqnum,
		Endpoint:  int(d.Ep),
		Direction: dir,
		Data:      payload,
	}

	if d.Ep == eventloop.EP0 {
		setup, err := usb.DecodeSetupPacket(d.Setup[:])
		if err != nil {
			return fmt.Errorf("decode EP0 setup stage: %w", err)
		}
		u.Setup = &setup
	}

	done := make(chan error, 1)
	u.Complete = func(data []byte, status eventloop.Status) {
		done <- s.writeRetSubmit(conn, d, data, status)
	}
	s.loop.Submit(u)
	select {
	case err := <-done:
		return err
	default:
		// Parked EP1 IN: keep reading URBs; the reply is written when
		// Complete runs later.
		go func() {
			if err := <-done; err != nil {
				s.log.Warnf("usbip: %v", err)
			}
		}()
		return nil
	}
}

func (s *Server) writeRetSubmit(conn net.Conn, d decodedURBHeader, data []byte, status eventloop.Status) error {
	urbStatus := int32(0)
	switch status {
	case eventloop.StatusOK:
	case eventloop.StatusUnlinked:
		urbStatus = errConnReset
	default:
		urbStatus = -32 // -EPIPE: stalled endpoint
	}

	actualLength := uint32(len(data))
	if d.Direction == DirOut {
		actualLength = d.TransferLength
	}

	ret := RetSubmit{
		Basic:        HeaderBasic{Command: RetSubmitCode, Seqnum: d.Seqnum},
		Status:       urbStatus,
		ActualLength: actualLength,
	}

	var buf bytes.Buffer
	if err := ret.Write(&buf); err != nil {
		return fmt.Errorf("build RET_SUBMIT header: %w", err)
	}
	if d.Direction == DirIn {
		buf.Write(data)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: write RET_SUBMIT: %v", vherr.ErrTransport, err)
	}
	return nil
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
