// Package pkcs11token wraps github.com/miekg/pkcs11 with the operations
// the hardware-backed key store needs: session open/login, EC P-256
// key-pair generation, ECDSA-SHA256 signing, attestation cert/key lookup by
// label, ECDH P-256 key derivation, AES-CBC encrypt/decrypt, and
// HMAC-SHA-256 — all addressed through PKCS#11 object handles, never raw
// key material leaving the token except where ECDH derivation must hand a
// session secret back for local HKDF splitting.
package pkcs11token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/ctapgo/vhid/internal/obslog"
	"github.com/ctapgo/vhid/internal/vherr"
)

// ecParamsP256 is the DER encoding of the P-256 (secp256r1, OID
// 1.2.840.10045.3.1.7) named curve, the CKA_EC_PARAMS value PKCS#11 expects.
var ecParamsP256 = []byte{0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07}

// Config names the module, slot, and PIN used to open a session.
type Config struct {
	ModulePath string
	SlotID     uint
	PIN        string

	// AttestationCertLabel and AttestationKeyLabel name the fixed
	// pre-provisioned objects the token must already hold.
	AttestationCertLabel string
	AttestationKeyLabel  string

	// DeviceSecretLabel names the persistent generic-secret object backing
	// credential-handle tagging (internal/credential.Signer); created on
	// first use if the token doesn't already hold one.
	DeviceSecretLabel string
}

// Token is an open, logged-in PKCS#11 session.
type Token struct {
	log     *obslog.Logger
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	cfg     Config
}

// Open loads the PKCS#11 module, opens a read-write session on cfg.SlotID,
// and logs in as CKU_USER.
func Open(cfg Config, log *obslog.Logger) (*Token, error) {
	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, fmt.Errorf("%w: failed to load pkcs11 module %q", vherr.ErrBackend, cfg.ModulePath)
	}
	if err := ctx.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: pkcs11 initialize: %v", vherr.ErrBackend, err)
	}

	session, err := ctx.OpenSession(cfg.SlotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		ctx.Finalize()
		return nil, fmt.Errorf("%w: pkcs11 open session: %v", vherr.ErrBackend, err)
	}
	if err := ctx.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil {
		ctx.CloseSession(session)
		ctx.Finalize()
		return nil, fmt.Errorf("%w: pkcs11 login: %v", vherr.ErrBackend, err)
	}

	return &Token{log: log, ctx: ctx, session: session, cfg: cfg}, nil
}

// Close logs out, closes the session, and finalizes the module.
func (t *Token) Close() {
	t.ctx.Logout(t.session)
	t.ctx.CloseSession(t.session)
	t.ctx.Finalize()
	t.ctx.Destroy()
}

// GenerateKeyPairP256 generates a new EC P-256 key pair labeled label and
// returns a 32-byte key ID (drawn from crypto/rand and stored as CKA_ID)
// along with the uncompressed public key point.
func (t *Token) GenerateKeyPairP256(label string) (keyID []byte, pub *ecdsa.PublicKey, err error) {
	keyID = make([]byte, 32)
	if _, err := randRead(keyID); err != nil {
		return nil, nil, fmt.Errorf("%w: key id rng: %v", vherr.ErrBackend, err)
	}

	pubTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, ecParamsP256),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
	}
	privTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
	}

	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil)}
	pubHandle, _, err := t.ctx.GenerateKeyPair(t.session, mech, pubTemplate, privTemplate)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: pkcs11 generate key pair: %v", vherr.ErrBackend, err)
	}

	pub, err = t.ecPublicKey(pubHandle)
	if err != nil {
		return nil, nil, err
	}
	return keyID, pub, nil
}

// Sign produces an ASN.1 DER ECDSA-SHA256 signature over digest using the
// private key identified by keyID.
func (t *Token) Sign(keyID []byte, digest []byte) ([]byte, error) {
	handle, err := t.findKey(pkcs11.CKO_PRIVATE_KEY, keyID, "")
	if err != nil {
		return nil, err
	}

	if err := t.ctx.SignInit(t.session, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}, handle); err != nil {
		return nil, fmt.Errorf("%w: pkcs11 sign init: %v", vherr.ErrBackend, err)
	}
	raw, err := t.ctx.Sign(t.session, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: pkcs11 sign: %v", vherr.ErrBackend, err)
	}

	return rawECDSAtoASN1(raw)
}

// AttestationCertificate returns the DER-encoded certificate stored under
// cfg.AttestationCertLabel.
func (t *Token) AttestationCertificate() ([]byte, error) {
	handle, err := t.findObjectByLabel(pkcs11.CKO_CERTIFICATE, t.cfg.AttestationCertLabel)
	if err != nil {
		return nil, err
	}
	attrs, err := t.ctx.GetAttributeValue(t.session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pkcs11 get attestation cert: %v", vherr.ErrBackend, err)
	}
	return attrs[0].Value, nil
}

// AttestationKeyID returns the CKA_ID of the fixed attestation private key,
// so callers can Sign with it the same way as any minted credential key.
func (t *Token) AttestationKeyID() ([]byte, error) {
	handle, err := t.findObjectByLabel(pkcs11.CKO_PRIVATE_KEY, t.cfg.AttestationKeyLabel)
	if err != nil {
		return nil, err
	}
	attrs, err := t.ctx.GetAttributeValue(t.session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pkcs11 get attestation key id: %v", vherr.ErrBackend, err)
	}
	return attrs[0].Value, nil
}

func (t *Token) ecPublicKey(handle pkcs11.ObjectHandle) (*ecdsa.PublicKey, error) {
	attrs, err := t.ctx.GetAttributeValue(t.session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pkcs11 get ec point: %v", vherr.ErrBackend, err)
	}

	// CKA_EC_POINT is a DER OCTET STRING wrapping the uncompressed point.
	var point []byte
	if _, err := asn1.Unmarshal(attrs[0].Value, &point); err != nil {
		point = attrs[0].Value
	}

	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, fmt.Errorf("%w: pkcs11 returned malformed ec point", vherr.ErrBackend)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func (t *Token) findKey(class uint, keyID []byte, label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
	}
	return t.find(template)
}

func (t *Token) findObjectByLabel(class uint, label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	return t.find(template)
}

func (t *Token) find(template []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	if err := t.ctx.FindObjectsInit(t.session, template); err != nil {
		return 0, fmt.Errorf("%w: pkcs11 find objects init: %v", vherr.ErrBackend, err)
	}
	defer t.ctx.FindObjectsFinal(t.session)

	handles, _, err := t.ctx.FindObjects(t.session, 1)
	if err != nil {
		return 0, fmt.Errorf("%w: pkcs11 find objects: %v", vherr.ErrBackend, err)
	}
	if len(handles) == 0 {
		return 0, fmt.Errorf("%w: pkcs11 object not found", vherr.ErrBackend)
	}
	return handles[0], nil
}

// rawECDSAtoASN1 converts a PKCS#11 raw r||s signature (two fixed-width
// big-endian integers) into an ASN.1 DER ECDSA-Sig-Value.
func rawECDSAtoASN1(raw []byte) ([]byte, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: odd-length raw ecdsa signature", vherr.ErrBackend)
	}
	half := len(raw) / 2
	r := new(big.Int).SetBytes(raw[:half])
	s := new(big.Int).SetBytes(raw[half:])
	return asn1.Marshal(struct{ R, S *big.Int }{r, s})
}
