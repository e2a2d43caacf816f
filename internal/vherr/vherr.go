// Package vherr names this authenticator's error kinds as comparable
// sentinel values. Call sites wrap a sentinel with context via
// fmt.Errorf("...: %w", ErrX, ...) so callers can still errors.Is against
// the kind while the message carries specifics.
package vherr

import "errors"

var (
	// ErrTransport covers socket/IO failures in the USB/IP transport.
	ErrTransport = errors.New("transport error")
	// ErrProtocol covers malformed USB/IP framing or oversize URBs.
	ErrProtocol = errors.New("protocol error")
	// ErrUsbStall covers an unsupported SETUP request; reported to the
	// transport as an endpoint stall, never a crash.
	ErrUsbStall = errors.New("usb stall")
	// ErrHidFraming covers a bad CID, bad SEQ, or CTAPHID message overflow.
	ErrHidFraming = errors.New("hid framing error")
	// ErrAuthenticator covers a U2F/CTAP2 status-code failure that is
	// inherently user-visible (wrong PIN, no matching credential, ...).
	ErrAuthenticator = errors.New("authenticator error")
	// ErrBackend covers PKCS#11 failures.
	ErrBackend = errors.New("backend error")
	// ErrPrompt covers a declined or timed-out user-presence prompt.
	ErrPrompt = errors.New("prompt error")
	// ErrCancelled covers a CTAPHID CANCEL received during an in-flight
	// authenticator command.
	ErrCancelled = errors.New("cancelled")
)
