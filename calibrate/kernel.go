package calibrate

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/network"
	"github.com/ipfs/go-cid"
	"github.com/minio/blake2b-simd"
	"github.com/pkg/errors"

	"github.com/iand/fvm/gas"
	"github.com/iand/fvm/kernel"
)

// benchKernel services the syscalls calibration probes use without touching a
// state tree. Probes that reach an unsupported operation are a harness bug,
// surfaced as a fatal error.
type benchKernel struct {
	tracker *gas.Tracker
	epoch   abi.ChainEpoch
}

var _ kernel.Kernel = (*benchKernel)(nil)

var errUnsupportedProbe = errors.New("syscall not supported by calibration kernel")

func (k *benchKernel) SelfRoot() (cid.Cid, error)  { return cid.Undef, errUnsupportedProbe }
func (k *benchKernel) SelfSetRoot(c cid.Cid) error { return errUnsupportedProbe }

func (k *benchKernel) BlockGet(c cid.Cid) ([]byte, error) { return nil, errUnsupportedProbe }

func (k *benchKernel) BlockPut(data []byte) (cid.Cid, error) {
	return cid.Undef, errUnsupportedProbe
}

func (k *benchKernel) Send(to address.Address, method abi.MethodNum, params []byte, value abi.TokenAmount, gasLimit int64, flags kernel.SendFlags) (kernel.SendResult, error) {
	return kernel.SendResult{}, errUnsupportedProbe
}

func (k *benchKernel) CreateActor(code cid.Cid, addr address.Address) error {
	return errUnsupportedProbe
}

func (k *benchKernel) ResolveAddress(addr address.Address) (address.Address, bool, error) {
	return address.Undef, false, errUnsupportedProbe
}

func (k *benchKernel) BalanceOf(addr address.Address) (abi.TokenAmount, error) {
	return abi.TokenAmount{}, errUnsupportedProbe
}

func (k *benchKernel) SelfBalance() (abi.TokenAmount, error) {
	return abi.TokenAmount{}, errUnsupportedProbe
}

func (k *benchKernel) CurrEpoch() abi.ChainEpoch       { return k.epoch }
func (k *benchKernel) NetworkVersion() network.Version { return network.Version9 }

func (k *benchKernel) Randomness(tag crypto.DomainSeparationTag, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error) {
	return kernel.DigestExterns{}.GetRandomness(tag, epoch, entropy)
}

func (k *benchKernel) VerifySignature(sig crypto.Signature, signer address.Address, plaintext []byte) (bool, error) {
	return true, nil
}

func (k *benchKernel) Hash(data []byte) ([32]byte, error) {
	return blake2b.Sum256(data), nil
}

func (k *benchKernel) ChargeGas(name string, compute int64) error {
	return k.tracker.Charge(gas.NewCharge(name, compute, 0))
}
