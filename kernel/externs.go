package kernel

import (
	"encoding/binary"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/minio/blake2b-simd"
)

// Externs are the external collaborators the kernel delegates to for chain
// randomness and signature verification. The kernel only calls them and
// charges gas for the call; it does not implement the algorithms.
type Externs interface {
	GetRandomness(tag crypto.DomainSeparationTag, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error)
	VerifySignature(sig crypto.Signature, signer address.Address, plaintext []byte) (bool, error)
}

// DigestExterns is a deterministic extern provider used for test-vector
// replay and tests: randomness is derived by hashing the request and every
// signature verifies. It must never back a production machine.
type DigestExterns struct{}

func (DigestExterns) GetRandomness(tag crypto.DomainSeparationTag, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error) {
	buf := make([]byte, 16, 16+len(entropy))
	binary.BigEndian.PutUint64(buf[0:], uint64(tag))
	binary.BigEndian.PutUint64(buf[8:], uint64(epoch))
	buf = append(buf, entropy...)
	digest := blake2b.Sum256(buf)
	return abi.Randomness(digest[:]), nil
}

func (DigestExterns) VerifySignature(sig crypto.Signature, signer address.Address, plaintext []byte) (bool, error) {
	return true, nil
}
