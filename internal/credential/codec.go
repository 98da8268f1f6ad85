package credential

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: the MAC covers the exact claim bytes, so
	// the same claims must always encode identically.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("credential: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  16,
		MaxMapPairs:       16,
	}.DecMode()
	if err != nil {
		panic("credential: CBOR decoder initialization failed: " + err.Error())
	}
}

// Claims is the authenticated payload of a credential.
type Claims struct {
	EntitlementID []byte `cbor:"1,keyasint"`
	Generation    uint32 `cbor:"2,keyasint"`
	Window        int64  `cbor:"3,keyasint"`
}

// envelope is the wire form: the encoded claims followed by their MAC.
type envelope struct {
	_      struct{} `cbor:",toarray"`
	Claims []byte
	MAC    []byte
}

func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
