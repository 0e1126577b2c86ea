// Package conformance replays message test vectors against the machine and
// checks that every receipt and the final state root match the expectation
// recorded in the vector. Vectors are the interchange format for
// cross-implementation testing: any machine that claims compatibility must
// produce identical results, byte for byte.
package conformance

import (
	"encoding/json"
	"io"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

// Vector is a self-contained message-class test vector. The block seeds carry
// every object the pre-state root references, so a vector can be replayed
// against an empty store.
type Vector struct {
	Class string `json:"class"`
	Meta  *Meta  `json:"_meta,omitempty"`

	Blocks        []BlockSeed    `json:"blocks"`
	Pre           Preconditions  `json:"preconditions"`
	ApplyMessages []Message      `json:"apply_messages"`
	Post          Postconditions `json:"postconditions"`
}

// Meta identifies a vector for reporting.
type Meta struct {
	ID          string `json:"id"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
}

// BlockSeed is one store object referenced by the vector's state.
type BlockSeed struct {
	Cid  cid.Cid `json:"cid"`
	Data []byte  `json:"data"`
}

// Preconditions fix the execution context.
type Preconditions struct {
	StateRoot cid.Cid         `json:"state_root"`
	Epoch     abi.ChainEpoch  `json:"epoch"`
	BaseFee   abi.TokenAmount `json:"basefee"`
}

// Message is one message to apply, in its canonical serialized form so that
// inclusion gas is priced identically everywhere.
type Message struct {
	Bytes []byte `json:"bytes"`
}

// Receipt is the expected outcome of one message.
type Receipt struct {
	ExitCode exitcode.ExitCode `json:"exit_code"`
	Return   []byte            `json:"return"`
	GasUsed  int64             `json:"gas_used"`
}

// Postconditions fix the expected results.
type Postconditions struct {
	StateRoot cid.Cid   `json:"state_root"`
	Receipts  []Receipt `json:"receipts"`
}

const ClassMessage = "message"

// DecodeVector reads a JSON-encoded vector.
func DecodeVector(r io.Reader) (*Vector, error) {
	var v Vector
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return nil, errors.Wrap(err, "decoding vector")
	}
	if v.Class != ClassMessage {
		return nil, errors.Errorf("unsupported vector class %q", v.Class)
	}
	if len(v.ApplyMessages) != len(v.Post.Receipts) {
		return nil, errors.Errorf("vector has %d messages but %d expected receipts", len(v.ApplyMessages), len(v.Post.Receipts))
	}
	return &v, nil
}

// EncodeVector writes v as JSON.
func EncodeVector(w io.Writer, v *Vector) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
