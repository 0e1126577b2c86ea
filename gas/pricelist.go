package gas

import (
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/crypto"
)

// Pricelist provides prices for operations in the VM.
//
// Implementations are immutable values selected once per machine construction
// and must be safe for concurrent use.
type Pricelist interface {
	// OnChainMessage returns the gas used for storing a message of a given size in the chain.
	OnChainMessage(msgSize int) Charge
	// OnChainReturnValue returns the gas used for storing the response of a message in the chain.
	OnChainReturnValue(dataSize int) Charge

	// OnMethodInvocation returns the gas used when invoking a method.
	OnMethodInvocation(value abi.TokenAmount, methodNum abi.MethodNum) Charge

	// OnIpldGet returns the gas used for retrieving an object from the state partition.
	OnIpldGet() Charge
	// OnIpldPut returns the gas used for storing an object in the state partition.
	OnIpldPut(dataSize int) Charge

	// OnCreateActor returns the gas used for creating an actor.
	OnCreateActor() Charge
	// OnDeleteActor returns the gas used for deleting an actor.
	OnDeleteActor() Charge

	OnVerifySignature(sigType crypto.SigType, plainTextSize int) (Charge, error)
	OnHashing(dataSize int) Charge
	OnRandomness(entropySize int) Charge

	// OnInstructions returns the gas used for executing a run of engine
	// instructions. Priced at milligas granularity.
	OnInstructions(count int) Charge
	// OnMemoryPage returns the gas used for growing guest memory by a number
	// of pages.
	OnMemoryPage(pages int) Charge
	// OnSyscall returns the fixed dispatch overhead charged for crossing the
	// syscall boundary, in addition to the cost of the operation itself.
	OnSyscall() Charge
}
