// Package usbip implements the USB/IP transport: a management phase
// (OP_REQ/REP_DEVLIST, OP_REQ/REP_IMPORT) followed by a URB submit/unlink
// stream, over stdlib net.Listener/net.Conn, dispatching every URB onto a
// single internal/eventloop.Engine and its one advertised internal/usb.Device.
package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ctapgo/vhid/internal/vherr"
)

// Protocol version and management op codes, USB/IP protocol §3.
const (
	Version uint16 = 0x0111

	OpReqDevlist uint16 = 0x8005
	OpRepDevlist uint16 = 0x0005
	OpReqImport  uint16 = 0x8003
	OpRepImport  uint16 = 0x0003
)

// URB command/reply codes, USB/IP protocol §4.
const (
	CmdSubmitCode uint32 = 0x00000001
	CmdUnlinkCode uint32 = 0x00000002
	RetSubmitCode uint32 = 0x00000003
	RetUnlinkCode uint32 = 0x00000004
)

// Transfer direction as encoded on the wire (distinct from internal/usb's
// Direction, which is the bmRequestType bit).
const (
	DirOut uint32 = 0
	DirIn  uint32 = 1
)

// errConnReset is the Linux errno (-ECONNRESET) the vhci-hcd client expects
// in a RET_UNLINK reply's status field.
const errConnReset int32 = -104

// URB header field offsets, all big-endian, within the fixed 0x30-byte
// header every CMD_SUBMIT/CMD_UNLINK/RET_SUBMIT/RET_UNLINK carries.
const (
	urbHdrSize          = 0x30
	urbHdrOffsetCommand = 0x00
	urbHdrOffsetSeqnum  = 0x04
	urbHdrOffsetDevid   = 0x08
	urbHdrOffsetDir     = 0x0c
	urbHdrOffsetEp      = 0x10
	urbHdrOffsetUnlink  = 0x14 // CMD_UNLINK only: seqnum of the URB to cancel
	urbHdrOffsetFlags   = 0x14 // CMD_SUBMIT only: transfer_flags
	urbHdrOffsetLength  = 0x18 // transfer_buffer_length
	urbHdrOffsetSetup   = 0x28 // 8-byte control setup stage, EP0 only
)

const busIDSize = 32

// MgmtHeader is the 8-byte envelope every management-phase message starts
// with (version, command, status).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h MgmtHeader) Write(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// DevListReplyHeader follows MgmtHeader in an OP_REP_DEVLIST reply and gives
// the number of usbip_exported_device records that follow.
type DevListReplyHeader struct {
	NDevices uint32
}

func (h DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], h.NDevices)
	_, err := w.Write(buf[:])
	return err
}

// InterfaceDesc is one usbip_usb_interface record (class/subclass/protocol
// plus one padding byte).
type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (d InterfaceDesc) write(w io.Writer) error {
	_, err := w.Write([]byte{d.Class, d.SubClass, d.Protocol, 0})
	return err
}

// ExportedDevice is one usbip_exported_device record: a fixed path/busid
// pair plus the device's summarized descriptor fields. It is written by
// both OP_REP_DEVLIST (one per device) and OP_REP_IMPORT (exactly one).
type ExportedDevice struct {
	Path  string
	BusID string

	BusNum uint32
	DevNum uint32
	Speed  uint32

	IDVendor  uint16
	IDProduct uint16
	BcdDevice uint16

	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	Interfaces []InterfaceDesc
}

func (e ExportedDevice) writeSummary(w io.Writer) error {
	var path [256]byte
	var busid [busIDSize]byte
	copy(path[:], e.Path)
	copy(busid[:], e.BusID)

	if _, err := w.Write(path[:]); err != nil {
		return err
	}
	if _, err := w.Write(busid[:]); err != nil {
		return err
	}

	var rest bytes.Buffer
	binary.Write(&rest, binary.BigEndian, e.BusNum)
	binary.Write(&rest, binary.BigEndian, e.DevNum)
	binary.Write(&rest, binary.BigEndian, e.Speed)
	binary.Write(&rest, binary.BigEndian, e.IDVendor)
	binary.Write(&rest, binary.BigEndian, e.IDProduct)
	binary.Write(&rest, binary.BigEndian, e.BcdDevice)
	rest.WriteByte(e.BDeviceClass)
	rest.WriteByte(e.BDeviceSubClass)
	rest.WriteByte(e.BDeviceProtocol)
	rest.WriteByte(e.BConfigurationValue)
	rest.WriteByte(e.BNumConfigurations)
	rest.WriteByte(e.BNumInterfaces)
	if _, err := w.Write(rest.Bytes()); err != nil {
		return err
	}
	return nil
}

// WriteDevlist writes the record as it appears in an OP_REP_DEVLIST reply:
// the summary followed by one InterfaceDesc per interface.
func (e ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := e.writeSummary(w); err != nil {
		return err
	}
	for _, iface := range e.Interfaces {
		if err := iface.write(w); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes the record as it appears in an OP_REP_IMPORT reply: the
// summary only, no trailing interface records.
func (e ExportedDevice) WriteImport(w io.Writer) error {
	return e.writeSummary(w)
}

// HeaderBasic is the usbip_header_basic common to every URB command/reply.
type HeaderBasic struct {
	Command   uint32
	Seqnum    uint32
	Devid     uint32
	Direction uint32
	Ep        uint32
}

func (h HeaderBasic) write(buf []byte) {
	binary.BigEndian.PutUint32(buf[urbHdrOffsetCommand:], h.Command)
	binary.BigEndian.PutUint32(buf[urbHdrOffsetSeqnum:], h.Seqnum)
	binary.BigEndian.PutUint32(buf[urbHdrOffsetDevid:], h.Devid)
	binary.BigEndian.PutUint32(buf[urbHdrOffsetDir:], h.Direction)
	binary.BigEndian.PutUint32(buf[urbHdrOffsetEp:], h.Ep)
}

// RetSubmit is USBIP_RET_SUBMIT: HeaderBasic plus the completed transfer's
// outcome. Its header is always urbHdrSize bytes; ActualLength bytes of
// response payload follow for an IN transfer.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets int32
	ErrorCount      int32
}

func (r RetSubmit) Write(w io.Writer) error {
	var buf [urbHdrSize]byte
	r.Basic.write(buf[:])
	binary.BigEndian.PutUint32(buf[0x14:], uint32(r.Status))
	binary.BigEndian.PutUint32(buf[0x18:], r.ActualLength)
	binary.BigEndian.PutUint32(buf[0x1c:], r.StartFrame)
	binary.BigEndian.PutUint32(buf[0x20:], uint32(r.NumberOfPackets))
	binary.BigEndian.PutUint32(buf[0x24:], uint32(r.ErrorCount))
	_, err := w.Write(buf[:])
	return err
}

// RetUnlink is USBIP_RET_UNLINK: always replies with errConnReset in Status
// regardless of whether the targeted URB was actually still pending, per the
// Linux vhci-hcd client's expectations.
type RetUnlink struct {
	Basic  HeaderBasic
	Status int32
}

func NewRetUnlink(seqnum uint32) RetUnlink {
	return RetUnlink{
		Basic:  HeaderBasic{Command: RetUnlinkCode, Seqnum: seqnum},
		Status: errConnReset,
	}
}

func (r RetUnlink) Write(w io.Writer) error {
	var buf [urbHdrSize]byte
	r.Basic.write(buf[:])
	binary.BigEndian.PutUint32(buf[0x14:], uint32(r.Status))
	_, err := w.Write(buf[:])
	return err
}

// decodedURBHeader is the parsed view of one incoming 0x30-byte URB header.
type decodedURBHeader struct {
	Command   uint32
	Seqnum    uint32
	Devid     uint32
	Direction uint32
	Ep        uint32

	// UnlinkSeqnum is only meaningful when Command == CmdUnlinkCode.
	UnlinkSeqnum uint32
	// TransferLength is only meaningful when Command == CmdSubmitCode.
	TransferLength uint32

	Setup [8]byte
}

func decodeURBHeader(hdr []byte) (decodedURBHeader, error) {
	if len(hdr) != urbHdrSize {
		return decodedURBHeader{}, fmt.Errorf("%w: URB header must be %d bytes, got %d", vherr.ErrProtocol, urbHdrSize, len(hdr))
	}
	var d decodedURBHeader
	d.Command = binary.BigEndian.Uint32(hdr[urbHdrOffsetCommand:])
	d.Seqnum = binary.BigEndian.Uint32(hdr[urbHdrOffsetSeqnum:])
	d.Devid = binary.BigEndian.Uint32(hdr[urbHdrOffsetDevid:])
	d.Direction = binary.BigEndian.Uint32(hdr[urbHdrOffsetDir:])
	d.Ep = binary.BigEndian.Uint32(hdr[urbHdrOffsetEp:])
	d.UnlinkSeqnum = binary.BigEndian.Uint32(hdr[urbHdrOffsetUnlink:])
	d.TransferLength = binary.BigEndian.Uint32(hdr[urbHdrOffsetLength:])
	copy(d.Setup[:], hdr[urbHdrOffsetSetup:urbHdrSize])
	return d, nil
}

// readExactly is io.ReadFull with the error taxonomy's transport kind.
func readExactly(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: %v", vherr.ErrTransport, err)
	}
	return nil
}
