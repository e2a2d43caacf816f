package ctap2

import "github.com/fxamacker/cbor/v2"

// CTAP2 maps use integer keys on the wire; fxamacker/cbor/v2's "keyasint"
// struct tag option encodes/decodes these directly without a manual
// map[int]interface{} layer.

type rpEntity struct {
	ID   string `cbor:"id"`
	Name string `cbor:"name,omitempty"`
}

type userEntity struct {
	ID          []byte `cbor:"id"`
	Name        string `cbor:"name,omitempty"`
	DisplayName string `cbor:"displayName,omitempty"`
}

type pubKeyCredParam struct {
	Type string `cbor:"type"`
	Alg  int64  `cbor:"alg"`
}

type credentialDescriptor struct {
	Type string `cbor:"type"`
	ID   []byte `cbor:"id"`
}

// coseKey is a COSE_Key EC2 P-256 public key (RFC 9053 §7.1.1).
type coseKey struct {
	Kty int64  `cbor:"1,keyasint"`
	Alg int64  `cbor:"3,keyasint"`
	Crv int64  `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

const (
	coseKtyEC2    = 2
	coseAlgES256  = -7
	coseAlgECDHES = -25
	coseCrvP256   = 1
)

type makeCredentialParams struct {
	ClientDataHash   []byte                 `cbor:"1,keyasint"`
	RP               rpEntity               `cbor:"2,keyasint"`
	User             userEntity             `cbor:"3,keyasint"`
	PubKeyCredParams []pubKeyCredParam      `cbor:"4,keyasint"`
	ExcludeList      []credentialDescriptor `cbor:"5,keyasint,omitempty"`
	Extensions       cbor.RawMessage        `cbor:"6,keyasint,omitempty"`
	Options          map[string]bool        `cbor:"7,keyasint,omitempty"`
	PinAuth          []byte                 `cbor:"8,keyasint,omitempty"`
	PinProtocol      uint64                 `cbor:"9,keyasint,omitempty"`
}

type getAssertionParams struct {
	RPID           string                 `cbor:"1,keyasint"`
	ClientDataHash []byte                 `cbor:"2,keyasint"`
	AllowList      []credentialDescriptor `cbor:"3,keyasint,omitempty"`
	Extensions     cbor.RawMessage        `cbor:"4,keyasint,omitempty"`
	Options        map[string]bool        `cbor:"5,keyasint,omitempty"`
	PinAuth        []byte                 `cbor:"6,keyasint,omitempty"`
	PinProtocol    uint64                 `cbor:"7,keyasint,omitempty"`
}

type clientPINParams struct {
	PinProtocol  uint64   `cbor:"1,keyasint"`
	SubCommand   uint64   `cbor:"2,keyasint"`
	KeyAgreement *coseKey `cbor:"3,keyasint,omitempty"`
	PinAuth      []byte   `cbor:"4,keyasint,omitempty"`
	NewPinEnc    []byte   `cbor:"5,keyasint,omitempty"`
	PinHashEnc   []byte   `cbor:"6,keyasint,omitempty"`
}

type getInfoResponse struct {
	Versions     []string        `cbor:"1,keyasint"`
	Extensions   []string        `cbor:"2,keyasint,omitempty"`
	AAGUID       []byte          `cbor:"3,keyasint"`
	Options      map[string]bool `cbor:"4,keyasint,omitempty"`
	MaxMsgSize   uint64          `cbor:"5,keyasint,omitempty"`
	PinProtocols []uint64        `cbor:"6,keyasint,omitempty"`
}

type makeCredentialResponse struct {
	Fmt      string                 `cbor:"1,keyasint"`
	AuthData []byte                 `cbor:"2,keyasint"`
	AttStmt  map[string]interface{} `cbor:"3,keyasint"`
}

type getAssertionResponse struct {
	Credential credentialDescriptor `cbor:"1,keyasint"`
	AuthData   []byte               `cbor:"2,keyasint"`
	Signature  []byte               `cbor:"3,keyasint"`
}

type clientPINResponse struct {
	KeyAgreement *coseKey `cbor:"1,keyasint,omitempty"`
	PinToken     []byte   `cbor:"2,keyasint,omitempty"`
	Retries      uint64   `cbor:"3,keyasint,omitempty"`
}

func marshalCBOR(v interface{}) []byte {
	b, err := cbor.Marshal(v)
	if err != nil {
		// Only reachable if a response type is malformed; that is a
		// programming error, not a runtime condition to recover from.
		panic(err)
	}
	return b
}
