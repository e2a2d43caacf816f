// Package ctap2 implements the CTAP2 command handler carried inside
// CTAPHID CBOR frames: authenticatorGetInfo, MakeCredential, GetAssertion,
// ClientPIN, Reset, and GetNextAssertion.
//
// Command and status byte values match the published CTAP2 specification.
// CBOR encode/decode uses github.com/fxamacker/cbor/v2.
package ctap2

// Command bytes (the first byte of a CTAPHID CBOR payload).
const (
	CmdMakeCredential   byte = 0x01
	CmdGetAssertion     byte = 0x02
	CmdGetInfo          byte = 0x04
	CmdClientPIN        byte = 0x06
	CmdReset            byte = 0x07
	CmdGetNextAssertion byte = 0x08
)

// ClientPIN subcommands.
const (
	PinSubGetRetries      uint64 = 0x01
	PinSubGetKeyAgreement uint64 = 0x02
	PinSubSetPIN          uint64 = 0x03
	PinSubChangePIN       uint64 = 0x04
	PinSubGetPINToken     uint64 = 0x05
)

// Status bytes, per the published CTAP2 specification's error taxonomy.
const (
	StatusOK              byte = 0x00
	ErrInvalidCommand     byte = 0x01
	ErrInvalidParameter   byte = 0x02
	ErrInvalidLength      byte = 0x03
	ErrInvalidCBOR        byte = 0x12
	ErrMissingParameter   byte = 0x14
	ErrCredentialExcluded byte = 0x19
	ErrUnsupportedOption  byte = 0x2b
	ErrKeepaliveCancel    byte = 0x2d
	ErrNoCredentials      byte = 0x2e
	ErrNotAllowed         byte = 0x30
	ErrPINInvalid         byte = 0x31
	ErrPINBlocked         byte = 0x32
	ErrPINAuthInvalid     byte = 0x33
	ErrPINAuthBlocked     byte = 0x34
	ErrOperationDenied    byte = 0x27
	ErrOther              byte = 0x7f
)

const (
	// PinRetriesMax is the ClientPIN retry budget before the authenticator
	// bricks itself.
	PinRetriesMax = 8
	// PinRetriesPerBootMax is the consecutive-wrong-PIN limit within one
	// power cycle before getPINToken requires a simulated reboot.
	PinRetriesPerBootMax = 3
)
