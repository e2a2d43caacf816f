// Package config is the flag-driven configuration layer for `vhid
// serve`: listen address, PKCS#11 module path and slot PIN, AAGUID, and the
// presence-prompt timeout, bound via github.com/spf13/pflag the way cobra
// commands conventionally wire their Config structs.
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/ctapgo/vhid/internal/prompt"
)

// DefaultAAGUIDHex spells "vhid-authenticator" truncated to 16 bytes, the
// fixed per-build identifier used when no --aaguid flag is given.
const DefaultAAGUIDHex = "76686964" + "2d617574" + "68656e74" + "69636174"

// Config holds everything `vhid serve` needs to wire the authenticator
// together: the USB/IP transport, the PKCS#11 backend, and the prompt.
type Config struct {
	ListenAddr string
	BusID      string

	PKCS11ModulePath     string
	PKCS11SlotID         uint
	PKCS11PIN            string
	AttestationCertLabel string
	AttestationKeyLabel  string
	DeviceSecretLabel    string

	AAGUIDHex string

	PromptTimeout time.Duration
}

// RegisterFlags binds Config's fields onto fs with their `vhid serve`
// defaults.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:3240", "USB/IP listen address")
	fs.StringVar(&cfg.BusID, "bus-id", "1-1", "USB/IP bus id advertised to the host")
	fs.StringVar(&cfg.PKCS11ModulePath, "pkcs11-module", "", "path to the PKCS#11 module (.so)")
	fs.UintVar(&cfg.PKCS11SlotID, "pkcs11-slot", 0, "PKCS#11 slot id")
	fs.StringVar(&cfg.PKCS11PIN, "pkcs11-pin", "", "PKCS#11 user PIN")
	fs.StringVar(&cfg.AttestationCertLabel, "attestation-cert-label", "vhid-attestation-cert", "CKA_LABEL of the attestation certificate object")
	fs.StringVar(&cfg.AttestationKeyLabel, "attestation-key-label", "vhid-attestation-key", "CKA_LABEL of the attestation private key object")
	fs.StringVar(&cfg.DeviceSecretLabel, "device-secret-label", "vhid-device-secret", "CKA_LABEL of the persistent key backing credential handle tags")
	fs.StringVar(&cfg.AAGUIDHex, "aaguid", DefaultAAGUIDHex, "32 hex digit AAGUID for this build")
	fs.DurationVar(&cfg.PromptTimeout, "prompt-timeout", prompt.DefaultTimeout, "presence-prompt timeout")
}

// AAGUID decodes AAGUIDHex into the fixed 16-byte identifier.
func (c *Config) AAGUID() ([16]byte, error) {
	var out [16]byte
	raw, err := hex.DecodeString(c.AAGUIDHex)
	if err != nil {
		return out, fmt.Errorf("invalid --aaguid %q: %w", c.AAGUIDHex, err)
	}
	if len(raw) != 16 {
		return out, fmt.Errorf("invalid --aaguid %q: want 16 bytes, got %d", c.AAGUIDHex, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
