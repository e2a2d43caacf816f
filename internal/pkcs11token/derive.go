package pkcs11token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	cryptorand "crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/ctapgo/vhid/internal/vherr"
)

func randRead(b []byte) (int, error) { return io.ReadFull(cryptorand.Reader, b) }

// GenerateKeyAgreementKeyPair mints a fresh, non-extractable EC P-256 key
// pair for one boot's CTAP2 ClientPIN key agreement — regenerated every
// process start, per the PinState invariant that this key is never
// persisted across restarts.
func (t *Token) GenerateKeyAgreementKeyPair() (keyID []byte, pub *ecdsa.PublicKey, err error) {
	return t.GenerateKeyPairP256("ctap2-key-agreement")
}

// DeriveECDH performs CKM_ECDH1_DERIVE against the key agreement private
// key named by keyID and the platform's ephemeral public key (x, y), and
// returns the raw shared-secret bytes extracted from the token — a session
// object immediately discarded, never written to persistent storage.
func (t *Token) DeriveECDH(keyID []byte, peerX, peerY []byte) ([]byte, error) {
	priv, err := t.findKey(pkcs11.CKO_PRIVATE_KEY, keyID, "")
	if err != nil {
		return nil, err
	}

	peerPoint := elliptic.Marshal(elliptic.P256(), new(big.Int).SetBytes(peerX), new(big.Int).SetBytes(peerY))

	params := pkcs11.NewECDH1DeriveParams(pkcs11.CKD_NULL, nil, peerPoint)
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, 32),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, false),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
	}

	secretHandle, err := t.ctx.DeriveKey(t.session,
		[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDH1_DERIVE, params)}, priv, template)
	if err != nil {
		return nil, fmt.Errorf("%w: pkcs11 ecdh derive: %v", vherr.ErrBackend, err)
	}

	attrs, err := t.ctx.GetAttributeValue(t.session, secretHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pkcs11 extract shared secret: %v", vherr.ErrBackend, err)
	}
	return attrs[0].Value, nil
}

// ImportAESKey creates a session-only AES secret key object from raw
// key-derivation output, so subsequent AES-CBC calls stay routed through
// the token rather than operating on bare Go byte slices.
func (t *Token) ImportAESKey(raw []byte) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, raw),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
	}
	h, err := t.ctx.CreateObject(t.session, template)
	if err != nil {
		return 0, fmt.Errorf("%w: pkcs11 import aes key: %v", vherr.ErrBackend, err)
	}
	return h, nil
}

// ImportHMACKey creates a session-only generic-secret key object used for
// CKM_SHA256_HMAC.
func (t *Token) ImportHMACKey(raw []byte) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, raw),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
	}
	h, err := t.ctx.CreateObject(t.session, template)
	if err != nil {
		return 0, fmt.Errorf("%w: pkcs11 import hmac key: %v", vherr.ErrBackend, err)
	}
	return h, nil
}

// EncryptCBC performs CKM_AES_CBC (no padding) encryption with keyHandle,
// matching CTAP2 pinUvAuthProtocol 1's unpadded, zero-IV transport.
func (t *Token) EncryptCBC(keyHandle pkcs11.ObjectHandle, iv, plaintext []byte) ([]byte, error) {
	if err := t.ctx.EncryptInit(t.session, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_CBC, iv)}, keyHandle); err != nil {
		return nil, fmt.Errorf("%w: pkcs11 encrypt init: %v", vherr.ErrBackend, err)
	}
	out, err := t.ctx.Encrypt(t.session, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: pkcs11 encrypt: %v", vherr.ErrBackend, err)
	}
	return out, nil
}

// DecryptCBC is EncryptCBC's inverse.
func (t *Token) DecryptCBC(keyHandle pkcs11.ObjectHandle, iv, ciphertext []byte) ([]byte, error) {
	if err := t.ctx.DecryptInit(t.session, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_CBC, iv)}, keyHandle); err != nil {
		return nil, fmt.Errorf("%w: pkcs11 decrypt init: %v", vherr.ErrBackend, err)
	}
	out, err := t.ctx.Decrypt(t.session, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: pkcs11 decrypt: %v", vherr.ErrBackend, err)
	}
	return out, nil
}

// DeviceSecret derives the fixed per-device secret that
// internal/credential.Signer tags credential handles with, keeping the
// secret itself inside the token: it finds (or, on first boot, generates)
// a persistent CKK_GENERIC_SECRET object under cfg.DeviceSecretLabel, then
// returns CKM_SHA256_HMAC of a fixed context string under that key. The
// result is safe to hold in process memory as an HMAC key for
// credential.NewHMACSigner — only the raw object inside the token ever
// backs it.
func (t *Token) DeviceSecret() ([]byte, error) {
	handle, err := t.findObjectByLabel(pkcs11.CKO_SECRET_KEY, t.cfg.DeviceSecretLabel)
	if err != nil {
		handle, err = t.generateDeviceSecretKey()
		if err != nil {
			return nil, err
		}
	}
	return t.HMACSHA256(handle, []byte("vhid-credential-handle-v1"))
}

func (t *Token) generateDeviceSecretKey() (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, 32),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, t.cfg.DeviceSecretLabel),
	}
	h, err := t.ctx.GenerateKey(t.session, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_GENERIC_SECRET_KEY_GEN, nil)}, template)
	if err != nil {
		return 0, fmt.Errorf("%w: pkcs11 generate device secret key: %v", vherr.ErrBackend, err)
	}
	return h, nil
}

// HMACSHA256 computes CKM_SHA256_HMAC over msg with keyHandle.
func (t *Token) HMACSHA256(keyHandle pkcs11.ObjectHandle, msg []byte) ([]byte, error) {
	if err := t.ctx.SignInit(t.session, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_SHA256_HMAC, nil)}, keyHandle); err != nil {
		return nil, fmt.Errorf("%w: pkcs11 hmac init: %v", vherr.ErrBackend, err)
	}
	out, err := t.ctx.Sign(t.session, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: pkcs11 hmac: %v", vherr.ErrBackend, err)
	}
	return out, nil
}
