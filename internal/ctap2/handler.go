package ctap2

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ctapgo/vhid/internal/credential"
	"github.com/ctapgo/vhid/internal/ctaphid"
	"github.com/ctapgo/vhid/internal/obslog"
)

// Backend is the subset of the PKCS#11 token MakeCredential/GetAssertion
// need: minting and using P-256 signing keys, and reading the fixed
// attestation cert/key. Satisfied structurally by *pkcs11token.Token.
type Backend interface {
	GenerateKeyPairP256(label string) (keyID []byte, pub *ecdsa.PublicKey, err error)
	Sign(keyID []byte, digest []byte) ([]byte, error)
	AttestationCertificate() ([]byte, error)
	AttestationKeyID() ([]byte, error)
}

// Prompter asks a human to confirm physical presence.
type Prompter interface {
	Confirm(reason string, cancel <-chan struct{}) (approved bool, err error)
}

// Handler implements ctaphid.Handler for CTAPHID CBOR frames.
type Handler struct {
	backend Backend
	prompt  Prompter
	signer  credential.Signer
	pin     *PinState
	aaguid  [16]byte
	log     *obslog.Logger

	bootTime time.Time

	mu       sync.Mutex
	counters map[[32]byte]uint32
}

// Config names the fixed, build-time identity of this authenticator.
type Config struct {
	AAGUID [16]byte
}

func NewHandler(cfg Config, backend Backend, keyAgreement KeyAgreement, prompt Prompter, signer credential.Signer, log *obslog.Logger) (*Handler, error) {
	pin, err := NewPinState(keyAgreement)
	if err != nil {
		return nil, err
	}
	return &Handler{
		backend:  backend,
		prompt:   prompt,
		signer:   signer,
		pin:      pin,
		aaguid:   cfg.AAGUID,
		log:      log,
		bootTime: time.Now(),
		counters: make(map[[32]byte]uint32),
	}, nil
}

var _ ctaphid.Handler = (*Handler)(nil)

func (h *Handler) Handle(cctx *ctaphid.CommandContext, payload []byte) []byte {
	if len(payload) == 0 {
		return []byte{ErrInvalidLength}
	}
	cmd := payload[0]
	params := payload[1:]

	switch cmd {
	case CmdGetInfo:
		return h.getInfo()
	case CmdMakeCredential:
		return h.makeCredential(cctx, params)
	case CmdGetAssertion:
		return h.getAssertion(cctx, params)
	case CmdClientPIN:
		return h.clientPIN(params)
	case CmdReset:
		return h.reset()
	case CmdGetNextAssertion:
		return []byte{ErrNotAllowed}
	default:
		return []byte{ErrInvalidCommand}
	}
}

func (h *Handler) getInfo() []byte {
	resp := getInfoResponse{
		Versions:   []string{"U2F_V2", "FIDO_2_0"},
		Extensions: []string{},
		AAGUID:     h.aaguid[:],
		Options: map[string]bool{
			"rk":        false,
			"up":        true,
			"uv":        false,
			"clientPin": h.pin.hasPIN(),
		},
		MaxMsgSize:   1200,
		PinProtocols: []uint64{1},
	}
	return append([]byte{StatusOK}, marshalCBOR(resp)...)
}

func (h *Handler) makeCredential(cctx *ctaphid.CommandContext, raw []byte) []byte {
	var p makeCredentialParams
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return []byte{ErrInvalidCBOR}
	}
	if len(p.ClientDataHash) == 0 || p.RP.ID == "" || len(p.User.ID) == 0 {
		return []byte{ErrMissingParameter}
	}

	rpIDHash := sha256.Sum256([]byte(p.RP.ID))

	if h.pin.hasPIN() || len(p.PinAuth) > 0 {
		if len(p.PinAuth) == 0 {
			return []byte{ErrPINAuthInvalid}
		}
		if err := h.pin.verifyPinToken(p.ClientDataHash, p.PinAuth); err != nil {
			return []byte{ErrPINAuthInvalid}
		}
	}

	for _, excluded := range p.ExcludeList {
		cred, err := credential.Open(h.signer, excluded.ID)
		if err == nil && cred.RPIDHash == rpIDHash {
			h.requestPresence(cctx, "Register a new credential (already registered)")
			return []byte{ErrCredentialExcluded}
		}
	}

	if !h.requestPresence(cctx, "Create a new credential for "+p.RP.ID) {
		if cctx.Cancelled() {
			return []byte{ErrKeepaliveCancel}
		}
		return []byte{ErrOperationDenied}
	}

	keyID, pub, err := h.backend.GenerateKeyPairP256("fido-cred-" + p.RP.ID)
	if err != nil {
		h.log.Errorf("makeCredential: generate key pair: %v", err)
		return []byte{ErrOther}
	}

	handle, err := credential.Mint(h.signer, keyID, rpIDHash[:])
	if err != nil {
		h.log.Errorf("makeCredential: mint handle: %v", err)
		return []byte{ErrOther}
	}

	credPub := &coseKey{Kty: coseKtyEC2, Alg: coseAlgES256, Crv: coseCrvP256,
		X: pub.X.FillBytes(make([]byte, 32)), Y: pub.Y.FillBytes(make([]byte, 32))}

	attested := attestedCredentialData(h.aaguid, handle, credPub)
	authData := buildAuthData(rpIDHash[:], true, false, h.nextCounter(cred32(keyID)), attested)

	attestKeyID, err := h.backend.AttestationKeyID()
	if err != nil {
		h.log.Errorf("makeCredential: attestation key id: %v", err)
		return []byte{ErrOther}
	}
	digest := sha256.Sum256(append(append([]byte{}, authData...), p.ClientDataHash...))
	sig, err := h.backend.Sign(attestKeyID, digest[:])
	if err != nil {
		h.log.Errorf("makeCredential: attestation sign: %v", err)
		return []byte{ErrOther}
	}

	resp := makeCredentialResponse{
		Fmt:      "packed",
		AuthData: authData,
		AttStmt: map[string]interface{}{
			"alg": coseAlgES256,
			"sig": sig,
		},
	}
	return append([]byte{StatusOK}, marshalCBOR(resp)...)
}

func (h *Handler) getAssertion(cctx *ctaphid.CommandContext, raw []byte) []byte {
	var p getAssertionParams
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return []byte{ErrInvalidCBOR}
	}
	if p.RPID == "" || len(p.ClientDataHash) == 0 {
		return []byte{ErrMissingParameter}
	}

	rpIDHash := sha256.Sum256([]byte(p.RPID))

	if h.pin.hasPIN() || len(p.PinAuth) > 0 {
		if len(p.PinAuth) == 0 {
			return []byte{ErrPINAuthInvalid}
		}
		if err := h.pin.verifyPinToken(p.ClientDataHash, p.PinAuth); err != nil {
			return []byte{ErrPINAuthInvalid}
		}
	}

	var selected *credential.Handle
	var selectedID []byte
	for _, candidate := range p.AllowList {
		cred, err := credential.Open(h.signer, candidate.ID)
		if err == nil && cred.RPIDHash == rpIDHash {
			selected = cred
			selectedID = candidate.ID
			break
		}
	}
	if selected == nil {
		return []byte{ErrNoCredentials}
	}

	if !h.requestPresence(cctx, "Sign in to "+p.RPID) {
		if cctx.Cancelled() {
			return []byte{ErrKeepaliveCancel}
		}
		return []byte{ErrOperationDenied}
	}

	authData := buildAuthData(rpIDHash[:], true, false, h.nextCounter(selected.KeyID), nil)
	digest := sha256.Sum256(append(append([]byte{}, authData...), p.ClientDataHash...))
	sig, err := h.backend.Sign(selected.KeyID[:], digest[:])
	if err != nil {
		h.log.Errorf("getAssertion: sign: %v", err)
		return []byte{ErrOther}
	}

	resp := getAssertionResponse{
		Credential: credentialDescriptor{Type: "public-key", ID: selectedID},
		AuthData:   authData,
		Signature:  sig,
	}
	return append([]byte{StatusOK}, marshalCBOR(resp)...)
}

func (h *Handler) clientPIN(raw []byte) []byte {
	var p clientPINParams
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return []byte{ErrInvalidCBOR}
	}

	switch p.SubCommand {
	case PinSubGetRetries:
		resp := clientPINResponse{Retries: uint64(h.pin.retriesLeft)}
		return append([]byte{StatusOK}, marshalCBOR(resp)...)

	case PinSubGetKeyAgreement:
		resp := clientPINResponse{KeyAgreement: h.pin.coseKey()}
		return append([]byte{StatusOK}, marshalCBOR(resp)...)

	case PinSubSetPIN:
		return h.setPIN(p, false)
	case PinSubChangePIN:
		return h.setPIN(p, true)
	case PinSubGetPINToken:
		return h.getPINToken(p)
	default:
		return []byte{ErrInvalidParameter}
	}
}

func (h *Handler) setPIN(p clientPINParams, isChange bool) []byte {
	if p.KeyAgreement == nil || len(p.PinAuth) == 0 || len(p.NewPinEnc) == 0 {
		return []byte{ErrMissingParameter}
	}
	if isChange && h.pin.hasPIN() && len(p.PinHashEnc) == 0 {
		return []byte{ErrMissingParameter}
	}
	if !isChange && h.pin.hasPIN() {
		return []byte{ErrPINAuthInvalid}
	}

	aesHandle, hmacHandle, err := h.pin.sharedKeys(p.KeyAgreement)
	if err != nil {
		h.log.Errorf("clientPIN: shared keys: %v", err)
		return []byte{ErrOther}
	}

	if err := h.pin.verifyPinAuth(hmacHandle, p.NewPinEnc, p.PinAuth); err != nil {
		return []byte{ErrPINAuthInvalid}
	}

	if isChange && h.pin.hasPIN() {
		oldPin, err := h.pin.backend.DecryptCBC(aesHandle, zeroIV, p.PinHashEnc)
		if err != nil || !h.pin.checkOldPinHash(oldPin) {
			return []byte{h.pin.recordFailure()}
		}
	}

	plaintext, err := h.pin.backend.DecryptCBC(aesHandle, zeroIV, p.NewPinEnc)
	if err != nil {
		h.log.Errorf("clientPIN: decrypt new pin: %v", err)
		return []byte{ErrOther}
	}

	pin := unpadPIN(plaintext)
	h.pin.setPINHash(hashPIN(pin))
	h.pin.recordSuccess()
	return []byte{StatusOK}
}

func (h *Handler) getPINToken(p clientPINParams) []byte {
	if !h.pin.hasPIN() {
		return []byte{ErrPINAuthInvalid}
	}
	if p.KeyAgreement == nil || len(p.PinHashEnc) == 0 {
		return []byte{ErrMissingParameter}
	}

	aesHandle, _, err := h.pin.sharedKeys(p.KeyAgreement)
	if err != nil {
		h.log.Errorf("clientPIN: shared keys: %v", err)
		return []byte{ErrOther}
	}

	pinHash, err := h.pin.backend.DecryptCBC(aesHandle, zeroIV, p.PinHashEnc)
	if err != nil || !h.pin.checkOldPinHash(pinHash) {
		return []byte{h.pin.recordFailure()}
	}
	h.pin.recordSuccess()

	token := h.pin.newToken()
	encTok, err := h.pin.backend.EncryptCBC(aesHandle, zeroIV, token)
	if err != nil {
		h.log.Errorf("clientPIN: encrypt pin token: %v", err)
		return []byte{ErrOther}
	}

	resp := clientPINResponse{PinToken: encTok}
	return append([]byte{StatusOK}, marshalCBOR(resp)...)
}

func (h *Handler) reset() []byte {
	if time.Since(h.bootTime) > 10*time.Second {
		return []byte{ErrNotAllowed}
	}
	h.pin.reset()
	return []byte{StatusOK}
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

func cred32(keyID []byte) [32]byte {
	var out [32]byte
	copy(out[:], keyID)
	return out
}
