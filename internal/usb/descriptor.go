package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/ctapgo/vhid/internal/vherr"
)

const (
	DeviceDescriptorLength        = 18
	ConfigurationDescriptorLength = 9
	InterfaceDescriptorLength     = 9
	EndpointDescriptorLength      = 7
	HIDDescriptorLength           = 9
)

// LangIDEnglishUS is the only language this device advertises in string
// descriptor zero.
const LangIDEnglishUS = 0x0409

// DeviceDescriptor implements p290, Table 9-8, USB Specification Revision 2.0.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BcdUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize     uint8
	VendorID          uint16
	ProductID         uint16
	BcdDevice         uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// Bytes serializes the descriptor, little-endian, field by field — USB
// structures are byte schemas, never native records.
func (d *DeviceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ConfigurationDescriptor implements p293, Table 9-10, USB 2.0.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8
}

func (d *ConfigurationDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// InterfaceDescriptor implements p296, Table 9-12, USB 2.0.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8
}

func (d *InterfaceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// HIDDescriptor implements the HID 1.11 class descriptor, one report
// descriptor entry only (no physical descriptors).
type HIDDescriptor struct {
	Length                 uint8
	DescriptorType         uint8
	BcdHID                 uint16
	CountryCode            uint8
	NumDescriptors         uint8
	ReportDescriptorType   uint8
	ReportDescriptorLength uint16
}

func (d *HIDDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// EndpointDescriptor implements p297, Table 9-13, USB 2.0.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

func (d *EndpointDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// Number returns the endpoint number (bits 0-3 of bEndpointAddress).
func (d *EndpointDescriptor) Number() int { return int(d.EndpointAddress & 0x0f) }

// Direction returns 1 (IN) or 0 (OUT), bit 7 of bEndpointAddress.
func (d *EndpointDescriptor) Direction() Direction {
	return Direction((d.EndpointAddress >> 7) & 0x1)
}

// newStringDescriptor prefixes payload (already UTF-16LE encoded, or the raw
// two-byte LangID list for index zero) with {bLength, bDescriptorType}, per
// p273-274, 9.6.7 and Table 9-15/9-16, USB Specification Revision 2.0.
func newStringDescriptor(payload []byte) []byte {
	out := make([]byte, 0, 2+len(payload))
	out = append(out, uint8(2+len(payload)), DescString)
	out = append(out, payload...)
	return out
}

func utf16leString(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, 2*len(units))
	for _, u := range units {
		out = append(out, byte(u), byte(u>>8))
	}
	return out
}

// Device bundles the static descriptor table, the HID report descriptor,
// and the fixed string table of a single-configuration, single-interface
// HID device.
type Device struct {
	Descriptor       *DeviceDescriptor
	Configuration    *ConfigurationDescriptor
	Interface        *InterfaceDescriptor
	HID              *HIDDescriptor
	Endpoints        []*EndpointDescriptor
	ReportDescriptor []byte

	// strings[0] is the language-ID descriptor; strings[1:] are the
	// UTF-16LE encoded, length-prefixed string descriptors, indexed as
	// the USB spec indexes them (from 1).
	strings [][]byte

	// Host-driven settings (set via SET_CONFIGURATION / SET_INTERFACE).
	ConfigurationValue uint8
	AlternateSetting   uint8
}

// NewDevice builds the fixed descriptor table: bcdUSB 1.10,
// class-per-interface, one configuration, one HID interface with two
// interrupt endpoints (EP1 IN, EP2 OUT), and five strings
// (manufacturer/product/serial/configuration/interface).
func NewDevice(reportDescriptor []byte, manufacturer, product, serial string) *Device {
	iface := &InterfaceDescriptor{
		Length:            InterfaceDescriptorLength,
		DescriptorType:    DescInterface,
		InterfaceNumber:   0,
		AlternateSetting:  0,
		NumEndpoints:      2,
		InterfaceClass:    0x03, // HID
		InterfaceSubClass: 0,
		InterfaceProtocol: 0,
		Interface:         5,
	}

	hid := &HIDDescriptor{
		Length:                 HIDDescriptorLength,
		DescriptorType:         DescHID,
		BcdHID:                 0x0101,
		CountryCode:            0,
		NumDescriptors:         1,
		ReportDescriptorType:   DescHIDReport,
		ReportDescriptorLength: uint16(len(reportDescriptor)),
	}

	epIn := &EndpointDescriptor{
		Length:          EndpointDescriptorLength,
		DescriptorType:  DescEndpoint,
		EndpointAddress: 0x81, // EP1 IN
		Attributes:      0x03, // interrupt
		MaxPacketSize:   64,
		Interval:        255,
	}
	epOut := &EndpointDescriptor{
		Length:          EndpointDescriptorLength,
		DescriptorType:  DescEndpoint,
		EndpointAddress: 0x02, // EP2 OUT
		Attributes:      0x03, // interrupt
		MaxPacketSize:   64,
		Interval:        255,
	}

	conf := &ConfigurationDescriptor{
		Length:             ConfigurationDescriptorLength,
		DescriptorType:     DescConfiguration,
		NumInterfaces:      1,
		ConfigurationValue: 1,
		Configuration:      4,
		Attributes:         0xa0,
		MaxPower:           0,
	}
	conf.TotalLength = uint16(ConfigurationDescriptorLength + InterfaceDescriptorLength +
		HIDDescriptorLength + 2*EndpointDescriptorLength)

	dev := &DeviceDescriptor{
		Length:            DeviceDescriptorLength,
		DescriptorType:    DescDevice,
		BcdUSB:            0x0110,
		DeviceClass:       0,
		DeviceSubClass:    0,
		DeviceProtocol:    0,
		MaxPacketSize:     64,
		VendorID:          0,
		ProductID:         0,
		BcdDevice:         0x0001,
		Manufacturer:      1,
		Product:           2,
		SerialNumber:      3,
		NumConfigurations: 1,
	}

	d := &Device{
		Descriptor:       dev,
		Configuration:    conf,
		Interface:        iface,
		HID:              hid,
		Endpoints:        []*EndpointDescriptor{epIn, epOut},
		ReportDescriptor: reportDescriptor,
	}

	langs := make([]byte, 2)
	binary.LittleEndian.PutUint16(langs, LangIDEnglishUS)
	d.strings = append(d.strings, newStringDescriptor(langs))
	d.strings = append(d.strings, newStringDescriptor(utf16leString(manufacturer)))
	d.strings = append(d.strings, newStringDescriptor(utf16leString(product)))
	d.strings = append(d.strings, newStringDescriptor(utf16leString(serial)))
	d.strings = append(d.strings, newStringDescriptor(utf16leString("Default Config")))
	d.strings = append(d.strings, newStringDescriptor(utf16leString("CTAPHID Interface")))

	return d
}

// ConfigurationBundle serializes the configuration descriptor followed by
// the interface, HID, and endpoint descriptors in wire order — the bundle a
// GET_DESCRIPTOR(Configuration) request returns.
func (d *Device) ConfigurationBundle() []byte {
	var buf []byte
	buf = append(buf, d.Configuration.Bytes()...)
	buf = append(buf, d.Interface.Bytes()...)
	buf = append(buf, d.HID.Bytes()...)
	for _, ep := range d.Endpoints {
		buf = append(buf, ep.Bytes()...)
	}
	return buf
}

// String returns the raw string descriptor bytes for index (0 is the
// language table).
func (d *Device) String(index uint8) ([]byte, error) {
	if int(index) >= len(d.strings) {
		return nil, fmt.Errorf("%w: string descriptor index %d out of range", vherr.ErrUsbStall, index)
	}
	return d.strings[index], nil
}

// trim truncates buf to length if it is shorter: the host learns the total
// size with a short wLength, then re-requests with the correct length.
func trim(buf []byte, length uint16) []byte {
	if int(length) < len(buf) {
		return buf[:length]
	}
	return buf
}
