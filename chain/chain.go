package chain

import (
	"bytes"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

//go:generate go run gen.go

// Message is a request to invoke one method on one actor, carrying value and
// a gas budget. Immutable once admitted.
type Message struct {
	Version uint64

	To   address.Address
	From address.Address

	Nonce uint64

	Value abi.TokenAmount

	GasLimit   int64
	GasFeeCap  abi.TokenAmount
	GasPremium abi.TokenAmount

	Method abi.MethodNum
	Params []byte
}

// Serialize returns the canonical CBOR encoding of the message.
func (m *Message) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.MarshalCBOR(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Message) Cid() (cid.Cid, error) {
	data, err := m.Serialize()
	if err != nil {
		return cid.Undef, fmt.Errorf("marshal to cbor: %w", err)
	}

	c, err := abi.CidBuilder.Sum(data)
	if err != nil {
		return cid.Undef, fmt.Errorf("sum cbor bytes: %w", err)
	}

	return c, nil
}

func DecodeMessage(b []byte) (*Message, error) {
	var msg Message
	if err := msg.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	return &msg, nil
}

type SignedMessage struct {
	Message   Message
	Signature crypto.Signature
}

func (sm *SignedMessage) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := sm.MarshalCBOR(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (sm *SignedMessage) Cid() (cid.Cid, error) {
	data, err := sm.Serialize()
	if err != nil {
		return cid.Undef, err
	}
	return abi.CidBuilder.Sum(data)
}

func DecodeSignedMessage(b []byte) (*SignedMessage, error) {
	var smsg SignedMessage
	if err := smsg.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	return &smsg, nil
}

// Receipt is the outcome of executing one message: exit code, return data and
// gas consumed. Produced exactly once per message.
type Receipt struct {
	ExitCode exitcode.ExitCode
	Return   []byte
	GasUsed  int64
}

var DefaultHashFunction = uint64(mh.BLAKE2B_MIN + 31)

var MessageCidPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.DagCBOR,
	MhType:   DefaultHashFunction,
	MhLength: 32,
}
