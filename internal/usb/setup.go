// Package usb implements the virtual USB device emulation layer: the static
// descriptor table and the EP0 control-endpoint dispatch. There is no
// hardware controller here: a SetupPacket is decoded from bytes the
// transport already delivered, and a reply is a plain []byte the event loop
// hands back to the same transport.
package usb

import (
	"encoding/binary"
	"fmt"

	"github.com/ctapgo/vhid/internal/vherr"
)

// Data transfer direction (bmRequestType bit 7).
type Direction uint8

const (
	HostToDevice Direction = 0
	DeviceToHost Direction = 1
)

// Request type (bmRequestType bits 5-6).
type RequestType uint8

const (
	Standard RequestType = 0
	Class    RequestType = 1
	Vendor   RequestType = 2
	Reserved RequestType = 3
)

// Request recipient (bmRequestType bits 0-4).
type Recipient uint8

const (
	RecipDevice    Recipient = 0
	RecipInterface Recipient = 1
	RecipEndpoint  Recipient = 2
	RecipOther     Recipient = 3
)

// Standard request codes, p279 Table 9-4, USB Specification Revision 2.0.
const (
	GetStatus        = 0
	ClearFeature     = 1
	SetFeature       = 3
	SetAddress       = 5
	GetDescriptor    = 6
	SetDescriptor    = 7
	GetConfiguration = 8
	SetConfiguration = 9
	GetInterface     = 10
	SetInterface     = 11
	SynchFrame       = 12
)

// HID class-specific request codes.
const (
	HIDGetReport   = 1
	HIDGetIdle     = 2
	HIDGetProtocol = 3
	HIDSetReport   = 9
	HIDSetIdle     = 0x0a
	HIDSetProtocol = 0x0b
)

// Descriptor types, p279 Table 9-5, USB Specification Revision 2.0.
const (
	DescDevice          = 1
	DescConfiguration   = 2
	DescString          = 3
	DescInterface       = 4
	DescEndpoint        = 5
	DescDeviceQualifier = 6
	DescHID             = 0x21
	DescHIDReport       = 0x22
)

// SetupPacketLength is the fixed wire size of a SETUP stage.
const SetupPacketLength = 8

// SetupPacket is the decoded form of the 8-byte SETUP stage of an EP0 URB
// (p276, Table 9-2, USB Specification Revision 2.0). It is immutable once
// decoded.
type SetupPacket struct {
	Direction Direction
	Type      RequestType
	Recipient Recipient
	Request   uint8
	Value     uint16
	Index     uint16
	Length    uint16
}

// DecodeSetupPacket parses the first 8 bytes of an EP0 URB's setup stage.
func DecodeSetupPacket(b []byte) (SetupPacket, error) {
	if len(b) < SetupPacketLength {
		return SetupPacket{}, fmt.Errorf("%w: setup packet too short (%d bytes)", vherr.ErrProtocol, len(b))
	}

	bmRequestType := b[0]

	return SetupPacket{
		Direction: Direction((bmRequestType >> 7) & 0x1),
		Type:      RequestType((bmRequestType >> 5) & 0x3),
		Recipient: Recipient(bmRequestType & 0x1f),
		Request:   b[1],
		Value:     binary.LittleEndian.Uint16(b[2:4]),
		Index:     binary.LittleEndian.Uint16(b[4:6]),
		Length:    binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// DescriptorType and DescriptorIndex return the high/low bytes of wValue for
// a GET_DESCRIPTOR request (p281, 9.4.3, USB Specification Revision 2.0).
func (s SetupPacket) DescriptorType() uint8  { return uint8(s.Value >> 8) }
func (s SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }
