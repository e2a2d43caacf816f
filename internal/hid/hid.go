// Package hid builds the fixed FIDO usage-page HID report descriptor byte
// stream, assembled field-by-field from explicit little-endian item bytes
// rather than a native record type.
package hid

// Report descriptor item types (HID 1.11, §6.2.2.2).
const (
	typeMain   = 0 << 2
	typeGlobal = 1 << 2
	typeLocal  = 2 << 2
)

// Item tags used by this descriptor: bTag in the high nibble, bType in bits
// 2-3; item0/item1/item2 add the bSize bits.
const (
	tagUsagePage      = 0x00<<4 | typeGlobal
	tagLogicalMinimum = 0x01<<4 | typeGlobal
	tagLogicalMaximum = 0x02<<4 | typeGlobal
	tagReportSize     = 0x07<<4 | typeGlobal
	tagReportCount    = 0x09<<4 | typeGlobal
	tagUsage          = 0x00<<4 | typeLocal
	tagCollection     = 0x0a<<4 | typeMain
	tagEndCollection  = 0x0c<<4 | typeMain
	tagInput          = 0x08<<4 | typeMain
	tagOutput         = 0x09<<4 | typeMain
)

// Input/Output main-item flags (HID 1.11, §6.2.2.5).
const (
	Data     = 0
	Constant = 1 << 0
	Variable = 1 << 1
	Absolute = 0
)

// Collection types.
const CollectionApplication = 0x01

// FIDO usage page and usages (FIDO Alliance HID Usage Tables).
const (
	UsagePageFIDO = 0xf1d0
	UsageCTAPHID  = 0x01
	UsageDataIn   = 0x20
	UsageDataOut  = 0x21
)

func item1(tag, data uint8) []byte { return []byte{tag | 0x01, data} }
func item2(tag uint8, data uint16) []byte {
	return []byte{tag | 0x02, byte(data), byte(data >> 8)}
}
func item0(tag uint8) []byte { return []byte{tag} }

func usagePage(page uint16) []byte   { return item2(tagUsagePage, page) }
func usage(id uint8) []byte          { return item1(tagUsage, id) }
func collection(kind uint8) []byte   { return item1(tagCollection, kind) }
func endCollection() []byte          { return item0(tagEndCollection) }
func logicalMinimum(v uint8) []byte  { return item1(tagLogicalMinimum, v) }
func logicalMaximum(v uint16) []byte { return item2(tagLogicalMaximum, v) }
func reportSize(bits uint8) []byte   { return item1(tagReportSize, bits) }
func reportCount(count uint8) []byte { return item1(tagReportCount, count) }
func input(flags uint8) []byte       { return item1(tagInput, flags) }
func output(flags uint8) []byte      { return item1(tagOutput, flags) }

// ReportDescriptor returns the fixed FIDO report descriptor byte stream:
// usage page 0xF1D0, usage 0x01, one 64-byte input report (data-in) and one
// 64-byte output report (data-out).
func ReportDescriptor() []byte {
	var items [][]byte
	items = append(items,
		usagePage(UsagePageFIDO),
		usage(UsageCTAPHID),
		collection(CollectionApplication),
		usage(UsageDataIn),
		logicalMinimum(0),
		logicalMaximum(0xff),
		reportSize(8),
		reportCount(64),
		input(Data|Variable|Absolute),
		usage(UsageDataOut),
		logicalMinimum(0),
		logicalMaximum(0xff),
		reportSize(8),
		reportCount(64),
		output(Data|Variable|Absolute),
		endCollection(),
	)

	var buf []byte
	for _, it := range items {
		buf = append(buf, it...)
	}
	return buf
}
