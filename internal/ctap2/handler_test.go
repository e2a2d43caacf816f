package ctap2

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/require"

	"github.com/ctapgo/vhid/internal/credential"
	"github.com/ctapgo/vhid/internal/ctaphid"
	"github.com/ctapgo/vhid/internal/obslog"
)

// fakeToken stands in for pkcs11token.Token, implementing both Backend and
// KeyAgreement with real crypto so the ClientPIN/MakeCredential/
// GetAssertion flows exercise genuine ECDH/AES/HMAC math without a real
// PKCS#11 module.
type fakeToken struct {
	mu sync.Mutex

	signingKeys map[string]*ecdsa.PrivateKey
	ecdhKeys    map[string]*ecdh.PrivateKey
	nextHandle  pkcs11.ObjectHandle
	secretKeys  map[pkcs11.ObjectHandle][]byte

	attestKey *ecdsa.PrivateKey
	cert      []byte
}

func newFakeToken(t *testing.T) *fakeToken {
	t.Helper()
	attest, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &fakeToken{
		signingKeys: make(map[string]*ecdsa.PrivateKey),
		ecdhKeys:    make(map[string]*ecdh.PrivateKey),
		secretKeys:  make(map[pkcs11.ObjectHandle][]byte),
		attestKey:   attest,
		cert:        []byte("fake-attestation-cert"),
	}
}

func (f *fakeToken) GenerateKeyPairP256(label string) ([]byte, *ecdsa.PublicKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	keyID := make([]byte, 32)
	rand.Read(keyID)
	f.mu.Lock()
	f.signingKeys[string(keyID)] = priv
	f.mu.Unlock()
	return keyID, &priv.PublicKey, nil
}

func (f *fakeToken) Sign(keyID []byte, digest []byte) ([]byte, error) {
	f.mu.Lock()
	priv, ok := f.signingKeys[string(keyID)]
	f.mu.Unlock()
	if !ok {
		priv = f.attestKey
	}
	return ecdsa.SignASN1(rand.Reader, priv, digest)
}

func (f *fakeToken) AttestationCertificate() ([]byte, error) { return f.cert, nil }
func (f *fakeToken) AttestationKeyID() ([]byte, error)       { return []byte("attestation"), nil }

func (f *fakeToken) GenerateKeyAgreementKeyPair() ([]byte, *ecdsa.PublicKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	keyID := make([]byte, 16)
	rand.Read(keyID)
	f.mu.Lock()
	f.ecdhKeys[string(keyID)] = priv
	f.mu.Unlock()

	x, y := elliptic.Unmarshal(elliptic.P256(), priv.PublicKey().Bytes())
	return keyID, &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

func (f *fakeToken) DeriveECDH(keyID []byte, peerX, peerY []byte) ([]byte, error) {
	f.mu.Lock()
	priv := f.ecdhKeys[string(keyID)]
	f.mu.Unlock()

	point := elliptic.Marshal(elliptic.P256(), new(big.Int).SetBytes(peerX), new(big.Int).SetBytes(peerY))
	peerPub, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(peerPub)
}

func (f *fakeToken) ImportAESKey(raw []byte) (pkcs11.ObjectHandle, error)  { return f.store(raw) }
func (f *fakeToken) ImportHMACKey(raw []byte) (pkcs11.ObjectHandle, error) { return f.store(raw) }

func (f *fakeToken) store(raw []byte) (pkcs11.ObjectHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHandle++
	f.secretKeys[f.nextHandle] = append([]byte{}, raw...)
	return f.nextHandle, nil
}

func (f *fakeToken) EncryptCBC(handle pkcs11.ObjectHandle, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(f.secretKeys[handle])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

func (f *fakeToken) DecryptCBC(handle pkcs11.ObjectHandle, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(f.secretKeys[handle])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

func (f *fakeToken) HMACSHA256(handle pkcs11.ObjectHandle, msg []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, f.secretKeys[handle])
	mac.Write(msg)
	return mac.Sum(nil), nil
}

type alwaysApprove struct{}

func (alwaysApprove) Confirm(reason string, cancel <-chan struct{}) (bool, error) { return true, nil }

func newTestHandler(t *testing.T) (*Handler, credential.Signer) {
	t.Helper()
	signer := credential.NewHMACSigner([]byte("device-secret-for-tests"))
	tok := newFakeToken(t)
	h, err := NewHandler(Config{AAGUID: [16]byte{1, 2, 3, 4}}, tok, tok, alwaysApprove{}, signer, obslog.NewSilent("ctap2-test"))
	require.NoError(t, err)
	return h, signer
}

func TestGetInfo(t *testing.T) {
	h, _ := newTestHandler(t)
	reply := h.Handle(&ctaphid.CommandContext{}, []byte{CmdGetInfo})
	require.Equal(t, StatusOK, reply[0])

	var info getInfoResponse
	require.NoError(t, cbor.Unmarshal(reply[1:], &info))
	require.Contains(t, info.Versions, "FIDO_2_0")
	require.Len(t, info.AAGUID, 16)
	require.False(t, info.Options["clientPin"])
}

func TestMakeCredentialThenGetAssertion(t *testing.T) {
	h, _ := newTestHandler(t)

	mcParams := makeCredentialParams{
		ClientDataHash:   make([]byte, 32),
		RP:               rpEntity{ID: "example.com", Name: "Example"},
		User:             userEntity{ID: []byte{1, 2, 3}, Name: "alice"},
		PubKeyCredParams: []pubKeyCredParam{{Type: "public-key", Alg: coseAlgES256}},
	}
	raw, err := cbor.Marshal(mcParams)
	require.NoError(t, err)

	reply := h.Handle(&ctaphid.CommandContext{}, append([]byte{CmdMakeCredential}, raw...))
	require.Equal(t, StatusOK, reply[0])

	var mcResp makeCredentialResponse
	require.NoError(t, cbor.Unmarshal(reply[1:], &mcResp))
	require.Equal(t, "packed", mcResp.Fmt)

	// authData = rpIdHash(32) || flags(1) || count(4) || aaguid(16) || credIdLen(2) || credId || cosekey
	credIDLen := int(mcResp.AuthData[32+1+4+16])<<8 | int(mcResp.AuthData[32+1+4+16+1])
	credID := mcResp.AuthData[32+1+4+16+2 : 32+1+4+16+2+credIDLen]
	require.Len(t, credID, credential.HandleSize)

	gaParams := getAssertionParams{
		RPID:           "example.com",
		ClientDataHash: make([]byte, 32),
		AllowList:      []credentialDescriptor{{Type: "public-key", ID: credID}},
	}
	raw2, err := cbor.Marshal(gaParams)
	require.NoError(t, err)

	reply2 := h.Handle(&ctaphid.CommandContext{}, append([]byte{CmdGetAssertion}, raw2...))
	require.Equal(t, StatusOK, reply2[0])

	var gaResp getAssertionResponse
	require.NoError(t, cbor.Unmarshal(reply2[1:], &gaResp))
	require.Equal(t, credID, gaResp.Credential.ID)
	require.NotEmpty(t, gaResp.Signature)
}

func TestGetAssertionNoMatchingCredential(t *testing.T) {
	h, _ := newTestHandler(t)
	gaParams := getAssertionParams{
		RPID:           "example.com",
		ClientDataHash: make([]byte, 32),
		AllowList:      []credentialDescriptor{{Type: "public-key", ID: make([]byte, credential.HandleSize)}},
	}
	raw, err := cbor.Marshal(gaParams)
	require.NoError(t, err)

	reply := h.Handle(&ctaphid.CommandContext{}, append([]byte{CmdGetAssertion}, raw...))
	require.Equal(t, ErrNoCredentials, reply[0])
}

// blockingPrompter never resolves Confirm on its own; it signals started
// once the handler is waiting, and only returns once cancel fires.
type blockingPrompter struct {
	started chan struct{}
}

func (p *blockingPrompter) Confirm(reason string, cancel <-chan struct{}) (bool, error) {
	close(p.started)
	<-cancel
	return false, errors.New("cancelled")
}

// TestCancelInterruptsMakeCredentialPrompt drives a MakeCredential command
// through the real ctaphid.Framer so CTAPHID CANCEL reaches the handler's
// in-flight CommandContext, proving the presence prompt is interrupted
// instead of stalling for its own timeout.
func TestCancelInterruptsMakeCredentialPrompt(t *testing.T) {
	prompter := &blockingPrompter{started: make(chan struct{})}
	signer := credential.NewHMACSigner([]byte("device-secret-for-tests"))
	tok := newFakeToken(t)
	h, err := NewHandler(Config{AAGUID: [16]byte{1, 2, 3, 4}}, tok, tok, prompter, signer, obslog.NewSilent("ctap2-test"))
	require.NoError(t, err)

	f := ctaphid.NewFramer(echoMSG{}, h, ctaphid.NewCIDAllocator(), obslog.NewSilent("ctaphid-test"))
	const cid = uint32(0x55667788)

	mcParams := makeCredentialParams{
		ClientDataHash:   make([]byte, 32),
		RP:               rpEntity{ID: "example.com", Name: "Example"},
		User:             userEntity{ID: []byte{1, 2, 3}, Name: "alice"},
		PubKeyCredParams: []pubKeyCredParam{{Type: "public-key", Alg: coseAlgES256}},
	}
	raw, err := cbor.Marshal(mcParams)
	require.NoError(t, err)

	for _, pkt := range framePackets(cid, ctaphid.CmdCbor, append([]byte{CmdMakeCredential}, raw...)) {
		require.NoError(t, f.HandleOutPacket(pkt))
	}

	select {
	case <-prompter.started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never reached the presence prompt")
	}

	require.NoError(t, f.HandleOutPacket(framePackets(cid, ctaphid.CmdCancel, nil)[0]))

	reply := waitForCommandFrame(t, f, ctaphid.CmdCbor)
	_, isInit, cmd := decodeFrameHeader(reply)
	require.True(t, isInit)
	require.Equal(t, byte(ctaphid.CmdCbor), cmd)

	payload := reassembleFrame(reply)
	require.Equal(t, ErrKeepaliveCancel, payload[0])
}

// echoMSG stands in for the U2F MSG handler; these tests never dispatch it.
type echoMSG struct{}

func (echoMSG) Handle(ctx *ctaphid.CommandContext, payload []byte) []byte { return payload }

// framePackets splits (cid, cmd, payload) into CTAPHID INIT+CONT request
// packets, mirroring the wire layout the host side produces.
func framePackets(cid uint32, cmd byte, payload []byte) [][]byte {
	const (
		initHeaderLen = 7
		initDataLen   = ctaphid.PacketSize - initHeaderLen
		contHeaderLen = 5
		contDataLen   = ctaphid.PacketSize - contHeaderLen
	)

	var packets [][]byte
	first := make([]byte, ctaphid.PacketSize)
	first[0] = byte(cid >> 24)
	first[1] = byte(cid >> 16)
	first[2] = byte(cid >> 8)
	first[3] = byte(cid)
	first[4] = cmd | 0x80
	first[5] = byte(len(payload) >> 8)
	first[6] = byte(len(payload))
	take := len(payload)
	if take > initDataLen {
		take = initDataLen
	}
	copy(first[initHeaderLen:], payload[:take])
	packets = append(packets, first)

	rest := payload[take:]
	for seq := byte(0); len(rest) > 0; seq++ {
		pkt := make([]byte, ctaphid.PacketSize)
		pkt[0], pkt[1], pkt[2], pkt[3] = byte(cid>>24), byte(cid>>16), byte(cid>>8), byte(cid)
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

func decodeFrameHeader(pkt []byte) (cid uint32, isInit bool, cmd byte) {
	cid = uint32(pkt[0])<<24 | uint32(pkt[1])<<16 | uint32(pkt[2])<<8 | uint32(pkt[3])
	cmd = pkt[4]
	isInit = cmd&0x80 != 0
	if isInit {
		cmd &^= 0x80
	}
	return
}

func reassembleFrame(pkt []byte) []byte {
	bcnt := int(pkt[5])<<8 | int(pkt[6])
	if 7+bcnt > len(pkt) {
		bcnt = len(pkt) - 7
	}
	return pkt[7 : 7+bcnt]
}

// waitForCommandFrame drains frames until one carrying cmd arrives,
// discarding any CTAPHID keepalives queued while the handler was blocked.
func waitForCommandFrame(t *testing.T, f *ctaphid.Framer, cmd byte) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if pkt, ok := f.DrainFrame(); ok {
			_, _, gotCmd := decodeFrameHeader(pkt)
			if gotCmd == cmd {
				return pkt
			}
			continue
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a reply frame")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
