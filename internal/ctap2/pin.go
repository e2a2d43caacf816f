package ctap2

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/hkdf"

	"github.com/ctapgo/vhid/internal/vherr"
)

// KeyAgreement is the subset of the PKCS#11 token needed to run the CTAP2
// ClientPIN protocol: a per-boot EC P-256 key pair, ECDH derivation against
// the platform's public point, and AES-CBC/HMAC-SHA-256 operating on the
// derived session keys — satisfied structurally by *pkcs11token.Token.
type KeyAgreement interface {
	GenerateKeyAgreementKeyPair() (keyID []byte, pub *ecdsa.PublicKey, err error)
	DeriveECDH(keyID []byte, peerX, peerY []byte) ([]byte, error)
	ImportAESKey(raw []byte) (pkcs11.ObjectHandle, error)
	ImportHMACKey(raw []byte) (pkcs11.ObjectHandle, error)
	EncryptCBC(handle pkcs11.ObjectHandle, iv, plaintext []byte) ([]byte, error)
	DecryptCBC(handle pkcs11.ObjectHandle, iv, ciphertext []byte) ([]byte, error)
	HMACSHA256(handle pkcs11.ObjectHandle, msg []byte) ([]byte, error)
}

var zeroIV = make([]byte, 16)

// PinState tracks the ClientPIN key agreement key, the stored PIN hash, and
// the retry budget.
type PinState struct {
	backend KeyAgreement

	keyID []byte
	pub   *ecdsa.PublicKey

	mu               sync.Mutex
	pinHash          []byte // left 16 bytes of SHA-256(pin), nil if unset
	retriesLeft      int
	failuresThisBoot int
	pinToken         []byte
	bootTime         time.Time
}

// NewPinState generates a fresh key-agreement key pair, as required every
// process start (the key is never persisted across restarts).
func NewPinState(backend KeyAgreement) (*PinState, error) {
	keyID, pub, err := backend.GenerateKeyAgreementKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: generate key agreement key: %v", vherr.ErrBackend, err)
	}
	return &PinState{
		backend:     backend,
		keyID:       keyID,
		pub:         pub,
		retriesLeft: PinRetriesMax,
		bootTime:    time.Now(),
	}, nil
}

func (p *PinState) coseKey() *coseKey {
	return &coseKey{
		Kty: coseKtyEC2,
		Alg: coseAlgECDHES,
		Crv: coseCrvP256,
		X:   p.pub.X.FillBytes(make([]byte, 32)),
		Y:   p.pub.Y.FillBytes(make([]byte, 32)),
	}
}

func (p *PinState) hasPIN() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinHash != nil
}

// sharedKeys derives the ECDH shared secret against the platform's public
// point and splits it via HKDF-SHA256 into an AES key and an HMAC key,
// importing both into the token as session objects.
func (p *PinState) sharedKeys(platform *coseKey) (aesHandle, hmacHandle pkcs11.ObjectHandle, err error) {
	secret, err := p.backend.DeriveECDH(p.keyID, platform.X, platform.Y)
	if err != nil {
		return 0, 0, err
	}

	derived := make([]byte, 64)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("ctap2-pin-protocol-1"))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return 0, 0, fmt.Errorf("%w: hkdf: %v", vherr.ErrBackend, err)
	}

	aesHandle, err = p.backend.ImportAESKey(derived[:32])
	if err != nil {
		return 0, 0, err
	}
	hmacHandle, err = p.backend.ImportHMACKey(derived[32:])
	if err != nil {
		return 0, 0, err
	}
	return aesHandle, hmacHandle, nil
}

func (p *PinState) verifyPinAuth(hmacHandle pkcs11.ObjectHandle, msg, pinAuth []byte) error {
	mac, err := p.backend.HMACSHA256(hmacHandle, msg)
	if err != nil {
		return err
	}
	if len(pinAuth) != 16 || !bytes.Equal(mac[:16], pinAuth) {
		return fmt.Errorf("%w: pinAuth mismatch", vherr.ErrAuthenticator)
	}
	return nil
}

// verifyPinToken checks a MakeCredential/GetAssertion pinAuth, which is
// HMAC-SHA-256(pinToken, clientDataHash) truncated to 16 bytes, against the
// token handed out by the most recent getPINToken call.
func (p *PinState) verifyPinToken(clientDataHash, pinAuth []byte) error {
	p.mu.Lock()
	token := p.pinToken
	p.mu.Unlock()
	if token == nil {
		return fmt.Errorf("%w: no pin token issued", vherr.ErrAuthenticator)
	}

	hmacHandle, err := p.backend.ImportHMACKey(token)
	if err != nil {
		return err
	}
	return p.verifyPinAuth(hmacHandle, clientDataHash, pinAuth)
}

// checkOldPinHash compares a platform-supplied PIN hash (decrypted, left 16
// bytes of SHA-256(pin)) against the stored hash.
func (p *PinState) checkOldPinHash(hash []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinHash != nil && len(hash) >= 16 && bytes.Equal(hash[:16], p.pinHash)
}

func (p *PinState) setPINHash(hash []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinHash = hash
}

// newToken mints and stores a fresh pinToken, returned so the caller can
// encrypt it for the platform.
func (p *PinState) newToken() []byte {
	tok := newPinToken()
	p.mu.Lock()
	p.pinToken = tok
	p.mu.Unlock()
	return tok
}

func (p *PinState) recordFailure() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retriesLeft--
	p.failuresThisBoot++
	switch {
	case p.retriesLeft <= 0:
		return ErrPINBlocked
	case p.failuresThisBoot >= PinRetriesPerBootMax:
		return ErrPINAuthBlocked
	default:
		return ErrPINInvalid
	}
}

func (p *PinState) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failuresThisBoot = 0
	p.retriesLeft = PinRetriesMax
}

// reset clears PIN state entirely, per authenticatorReset.
func (p *PinState) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinHash = nil
	p.retriesLeft = PinRetriesMax
	p.failuresThisBoot = 0
	p.pinToken = nil
}

func unpadPIN(plaintext []byte) []byte {
	i := bytes.IndexByte(plaintext, 0x00)
	if i < 0 {
		return plaintext
	}
	return plaintext[:i]
}

func hashPIN(pin []byte) []byte {
	sum := sha256.Sum256(pin)
	return sum[:16]
}

func newPinToken() []byte {
	tok := make([]byte, 32)
	if _, err := rand.Read(tok); err != nil {
		panic(err)
	}
	return tok
}
