// Package ctaphid implements the CTAPHID transaction framing layer: channel
// allocation, INIT/CONT packet assembly and disassembly, command dispatch,
// and keepalive emission while a command is waiting on user presence.
package ctaphid

import "encoding/binary"

// PacketSize is the fixed HID report size for both interrupt endpoints.
const PacketSize = 64

// Channel identifiers.
const (
	CIDReserved  uint32 = 0x00000000
	CIDBroadcast uint32 = 0xffffffff
)

// Command bytes (low 7 bits of the INIT packet's CMD field; bit 7 marks the
// packet as an INIT packet rather than CONT).
const (
	CmdPing      byte = 0x01
	CmdLock      byte = 0x04
	CmdMsg       byte = 0x03
	CmdInit      byte = 0x06
	CmdWink      byte = 0x08
	CmdCbor      byte = 0x10
	CmdCancel    byte = 0x11
	CmdKeepalive byte = 0x3b
	CmdError     byte = 0x3f
)

const initBit = 0x80

// Error frame codes (single-byte ERROR payload).
const (
	ErrInvalidCmd   byte = 0x01
	ErrInvalidPar   byte = 0x02
	ErrInvalidLen   byte = 0x03
	ErrInvalidSeq   byte = 0x04
	ErrMsgTimeout   byte = 0x05
	ErrChannelBusy  byte = 0x06
	ErrLockRequired byte = 0x0a
	ErrInvalidCid   byte = 0x0b
	ErrOther        byte = 0x7f
)

// Keepalive status bytes.
const (
	KeepaliveProcessing byte = 0x01
	KeepaliveUpNeeded   byte = 0x02
)

// Capability flags advertised in the INIT response.
const (
	CapWink byte = 0x01
	CapCBOR byte = 0x04
)

// Protocol/device version fields returned by INIT.
const (
	ProtocolVersion    byte = 2
	DeviceVersionMajor byte = 1
	DeviceVersionMinor byte = 0
	DeviceVersionBuild byte = 0
)

const (
	initHeaderLen = 7 // CID(4) CMD(1) BCNTH(1) BCNTL(1)
	initDataLen   = PacketSize - initHeaderLen
	contHeaderLen = 5 // CID(4) SEQ(1)
	contDataLen   = PacketSize - contHeaderLen
)

// frameMessage splits (cid, cmd, payload) into an INIT packet followed by
// ceil((len-initDataLen)/contDataLen) CONT packets, each padded to
// PacketSize with zeros — the output framing of one reply frame.
func frameMessage(cid uint32, cmd byte, payload []byte) [][]byte {
	var packets [][]byte

	first := make([]byte, PacketSize)
	binary.BigEndian.PutUint32(first[0:4], cid)
	first[4] = cmd | initBit
	binary.BigEndian.PutUint16(first[5:7], uint16(len(payload)))

	take := len(payload)
	if take > initDataLen {
		take = initDataLen
	}
	copy(first[initHeaderLen:], payload[:take])
	packets = append(packets, first)

	rest := payload[take:]
	for seq := byte(0); len(rest) > 0; seq++ {
		pkt := make([]byte, PacketSize)
		binary.BigEndian.PutUint32(pkt[0:4], cid)
		pkt[4] = seq

		n := len(rest)
		if n > contDataLen {
			n = contDataLen
		}
		copy(pkt[contHeaderLen:], rest[:n])
		packets = append(packets, pkt)
		rest = rest[n:]
	}

	return packets
}

// decodePacketHeader reports whether pkt is an INIT packet (bit 7 of the
// command/sequence byte set) along with the channel it targets.
func decodePacketHeader(pkt []byte) (cid uint32, isInit bool, cmdOrSeq byte) {
	cid = binary.BigEndian.Uint32(pkt[0:4])
	cmdOrSeq = pkt[4]
	isInit = cmdOrSeq&initBit != 0
	if isInit {
		cmdOrSeq &^= initBit
	}
	return
}
