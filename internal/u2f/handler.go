package u2f

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/ctapgo/vhid/internal/credential"
	"github.com/ctapgo/vhid/internal/ctaphid"
	"github.com/ctapgo/vhid/internal/obslog"
)

// Backend is the subset of the PKCS#11 token this handler needs: minting
// and using P-256 signing keys, and reading the fixed attestation
// cert/key. Satisfied structurally by *pkcs11token.Token.
type Backend interface {
	GenerateKeyPairP256(label string) (keyID []byte, pub *ecdsa.PublicKey, err error)
	Sign(keyID []byte, digest []byte) ([]byte, error)
	AttestationCertificate() ([]byte, error)
	AttestationKeyID() ([]byte, error)
}

// Prompter asks a human to confirm physical presence. Confirm blocks the
// calling goroutine — the ctaphid Framer already runs command handlers off
// its own goroutine for exactly this reason.
type Prompter interface {
	Confirm(reason string, cancel <-chan struct{}) (approved bool, err error)
}

// Handler implements ctaphid.Handler for CTAPHID MSG frames.
type Handler struct {
	backend Backend
	prompt  Prompter
	signer  credential.Signer
	log     *obslog.Logger

	mu       sync.Mutex
	counters map[[32]byte]uint32
}

func NewHandler(backend Backend, prompt Prompter, signer credential.Signer, log *obslog.Logger) *Handler {
	return &Handler{
		backend:  backend,
		prompt:   prompt,
		signer:   signer,
		log:      log,
		counters: make(map[[32]byte]uint32),
	}
}

var _ ctaphid.Handler = (*Handler)(nil)

func (h *Handler) Handle(cctx *ctaphid.CommandContext, payload []byte) []byte {
	a, err := parseAPDU(payload)
	if err != nil {
		return appendStatus(nil, SWWrongLength)
	}

	switch a.INS {
	case InsVersion:
		return appendStatus([]byte("U2F_V2"), SWNoError)
	case InsRegister:
		return h.register(cctx, a)
	case InsAuthenticate:
		return h.authenticate(cctx, a)
	default:
		return appendStatus(nil, SWInsNotSupported)
	}
}

func (h *Handler) register(cctx *ctaphid.CommandContext, a apdu) []byte {
	if len(a.Data) < challengeLen+appIDLen {
		return appendStatus(nil, SWWrongLength)
	}
	challenge := a.Data[:challengeLen]
	app := a.Data[challengeLen : challengeLen+appIDLen]

	if !h.requestPresence(cctx, "Register a new U2F credential") {
		return appendStatus(nil, SWConditionsNotSatisfied)
	}

	keyID, pub, err := h.backend.GenerateKeyPairP256(fmt.Sprintf("u2f-%x", app[:8]))
	if err != nil {
		h.log.Errorf("register: generate key pair: %v", err)
		return appendStatus(nil, SWExecutionError)
	}

	handle, err := credential.Mint(h.signer, keyID, app)
	if err != nil {
		h.log.Errorf("register: mint handle: %v", err)
		return appendStatus(nil, SWExecutionError)
	}

	pubkey := marshalPoint(pub)

	attestCert, err := h.backend.AttestationCertificate()
	if err != nil {
		h.log.Errorf("register: attestation cert: %v", err)
		return appendStatus(nil, SWExecutionError)
	}
	attestKeyID, err := h.backend.AttestationKeyID()
	if err != nil {
		h.log.Errorf("register: attestation key id: %v", err)
		return appendStatus(nil, SWExecutionError)
	}

	digest := registrationDigest(app, challenge, handle, pubkey)
	sig, err := h.backend.Sign(attestKeyID, digest)
	if err != nil {
		h.log.Errorf("register: attestation sign: %v", err)
		return appendStatus(nil, SWExecutionError)
	}

	reply := make([]byte, 0, 1+len(pubkey)+1+len(handle)+len(attestCert)+len(sig))
	reply = append(reply, 0x05)
	reply = append(reply, pubkey...)
	reply = append(reply, byte(len(handle)))
	reply = append(reply, handle...)
	reply = append(reply, attestCert...)
	reply = append(reply, sig...)
	return appendStatus(reply, SWNoError)
}

func (h *Handler) authenticate(cctx *ctaphid.CommandContext, a apdu) []byte {
	if len(a.Data) < challengeLen+appIDLen+1 {
		return appendStatus(nil, SWWrongLength)
	}
	challenge := a.Data[:challengeLen]
	app := a.Data[challengeLen : challengeLen+appIDLen]
	khLen := int(a.Data[challengeLen+appIDLen])
	if challengeLen+appIDLen+1+khLen > len(a.Data) {
		return appendStatus(nil, SWWrongLength)
	}
	kh := a.Data[challengeLen+appIDLen+1 : challengeLen+appIDLen+1+khLen]

	cred, err := credential.Open(h.signer, kh)
	if err != nil || !bytes.Equal(cred.RPIDHash[:], app) {
		return appendStatus(nil, SWWrongData)
	}

	if a.P1 == CtrlCheckOnly {
		return appendStatus(nil, SWConditionsNotSatisfied)
	}
	if a.P1 != CtrlEnforceUserPresence && a.P1 != CtrlDontEnforcePresence {
		return appendStatus(nil, SWWrongData)
	}

	if a.P1 == CtrlEnforceUserPresence {
		if !h.requestPresence(cctx, "Sign in with this security key") {
			return appendStatus(nil, SWConditionsNotSatisfied)
		}
	}

	counter := h.nextCounter(cred.KeyID)
	const userPresence = 0x01
	counterBytes := []byte{byte(counter >> 24), byte(counter >> 16), byte(counter >> 8), byte(counter)}

	digest := authenticationDigest(app, userPresence, counterBytes, challenge)
	sig, err := h.backend.Sign(cred.KeyID[:], digest)
	if err != nil {
		h.log.Errorf("authenticate: sign: %v", err)
		return appendStatus(nil, SWExecutionError)
	}

	reply := make([]byte, 0, 1+4+len(sig))
	reply = append(reply, userPresence)
	reply = append(reply, counterBytes...)
	reply = append(reply, sig...)
	return appendStatus(reply, SWNoError)
}

func (h *Handler) requestPresence(cctx *ctaphid.CommandContext, reason string) bool {
	cctx.SetWaitingForPresence(true)
	approved, err := h.prompt.Confirm(reason, cctx.Done())
	cctx.SetWaitingForPresence(false)
	if cctx.Cancelled() {
		return false
	}
	return err == nil && approved
}

func (h *Handler) nextCounter(keyID [32]byte) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counters[keyID]++
	return h.counters[keyID]
}

// registrationDigest is the signature base string of U2F raw message
// format: a reserved 0x00 byte, the application parameter, the
// challenge parameter, the key handle, and the user public key.
func registrationDigest(app, challenge, handle, pubkey []byte) []byte {
	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write(app)
	h.Write(challenge)
	h.Write(handle)
	h.Write(pubkey)
	return h.Sum(nil)
}

// authenticationDigest is the signature base string for AUTHENTICATE: the
// application parameter, the user-presence byte, the big-endian counter,
// and the challenge parameter.
func authenticationDigest(app []byte, userPresence byte, counter, challenge []byte) []byte {
	h := sha256.New()
	h.Write(app)
	h.Write([]byte{userPresence})
	h.Write(counter)
	h.Write(challenge)
	return h.Sum(nil)
}

func marshalPoint(pub *ecdsa.PublicKey) []byte {
	out := make([]byte, 65)
	out[0] = 0x04
	pub.X.FillBytes(out[1:33])
	pub.Y.FillBytes(out[33:65])
	return out
}
