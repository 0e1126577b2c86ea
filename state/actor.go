package state

import (
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
)

//go:generate go run ./gen

// Actor represents the on-chain state of a single actor.
type Actor struct {
	Code       cid.Cid // CID representing the code associated with the actor
	Head       cid.Cid // CID of the head state object for the actor
	CallSeqNum uint64  // nonce for the next message to be received by the actor (non-zero for accounts only)
	Balance    big.Int // Token balance of the actor
}
