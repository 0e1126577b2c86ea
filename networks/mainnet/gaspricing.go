package mainnet

import (
	"fmt"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	builtin3 "github.com/filecoin-project/specs-actors/v3/actors/builtin"

	"github.com/iand/fvm/gas"
)

func PricelistByEpoch(epoch abi.ChainEpoch) *pricelistV0 {
	// since we are storing the prices as map of epoch to price
	// we need to get the price with the highest epoch that is lower or equal to the `epoch` arg
	bestEpoch := abi.ChainEpoch(0)
	bestPrice := prices[bestEpoch]
	for e, pl := range prices {
		// if `e` happened after `bestEpoch` and `e` is earlier or equal to the target `epoch`
		if e > bestEpoch && e <= epoch {
			bestEpoch = e
			bestPrice = pl
		}
	}
	if bestPrice == nil {
		panic(fmt.Sprintf("bad setup: no gas prices available for epoch %d", epoch))
	}
	return bestPrice
}

var prices = map[abi.ChainEpoch]*pricelistV0{
	abi.ChainEpoch(0): {
		computeGasMulti: 1,
		storageGasMulti: 1000,

		onChainMessageComputeBase:    38863,
		onChainMessageStorageBase:    36,
		onChainMessageStoragePerByte: 1,

		onChainReturnValuePerByte: 1,

		sendBase:                29233,
		sendTransferFunds:       27500,
		sendTransferOnlyPremium: 159672,
		sendInvokeMethod:        -5377,

		ipldGetBase:    75242,
		ipldPutBase:    84070,
		ipldPutPerByte: 1,

		createActorCompute: 1108454,
		createActorStorage: 36 + 40,
		deleteActor:        -(36 + 40), // -createActorStorage

		verifySignature: map[crypto.SigType]int64{
			crypto.SigTypeBLS:       16598605,
			crypto.SigTypeSecp256k1: 1637292,
		},

		hashingBase:         31355,
		randomnessBase:      21048,
		randomnessPerByte:   14,
		syscallBase:         14000,
		instructionMilligas: 4000, // 4 gas per instruction
		memoryPageGas:       3932,
	},
	abi.ChainEpoch(UpgradeCalicoHeight): {
		computeGasMulti: 1,
		storageGasMulti: 1300,

		onChainMessageComputeBase:    38863,
		onChainMessageStorageBase:    36,
		onChainMessageStoragePerByte: 1,

		onChainReturnValuePerByte: 1,

		sendBase:                29233,
		sendTransferFunds:       27500,
		sendTransferOnlyPremium: 159672,
		sendInvokeMethod:        -5377,

		ipldGetBase:    114617,
		ipldPutBase:    353640,
		ipldPutPerByte: 1,

		createActorCompute: 1108454,
		createActorStorage: 36 + 40,
		deleteActor:        -(36 + 40), // -createActorStorage

		verifySignature: map[crypto.SigType]int64{
			crypto.SigTypeBLS:       16598605,
			crypto.SigTypeSecp256k1: 1637292,
		},

		hashingBase:         31355,
		randomnessBase:      21048,
		randomnessPerByte:   14,
		syscallBase:         14000,
		instructionMilligas: 3800,
		memoryPageGas:       3932,
	},
}

var _ gas.Pricelist = (*pricelistV0)(nil)

type pricelistV0 struct {
	computeGasMulti int64
	storageGasMulti int64
	///////////////////////////////////////////////////////////////////////////
	// System operations
	///////////////////////////////////////////////////////////////////////////

	// Gas cost charged to the originator of an on-chain message (regardless of
	// whether it succeeds or fails in application) is given by:
	//   OnChainMessageBase + len(serialized message)*OnChainMessagePerByte
	// Together, these account for the cost of message propagation and validation,
	// up to but excluding any actual processing by the VM.
	// This is the cost a block producer burns when including an invalid message.
	onChainMessageComputeBase    int64
	onChainMessageStorageBase    int64
	onChainMessageStoragePerByte int64

	// Gas cost charged to the originator of a non-nil return value produced
	// by an on-chain message is given by:
	//   len(return value)*OnChainReturnValuePerByte
	onChainReturnValuePerByte int64

	// Gas cost for any message send execution(including the top-level one
	// initiated by an on-chain message).
	// This accounts for the cost of loading sender and receiver actors and
	// (for top-level messages) incrementing the sender's sequence number.
	// Load and store of actor sub-state is charged separately.
	sendBase int64

	// Gas cost charged, in addition to SendBase, if a message send
	// is accompanied by any nonzero currency amount.
	// Accounts for writing receiver's new balance (the sender's state is
	// already accounted for).
	sendTransferFunds int64

	// Gas cost charged, in addition to SendBase, if message only transfers funds.
	sendTransferOnlyPremium int64

	// Gas cost charged, in addition to SendBase, if a message invokes
	// a method on the receiver.
	// Accounts for the cost of loading receiver code and method dispatch.
	sendInvokeMethod int64

	// Gas cost for any Get operation to the IPLD store
	// in the runtime VM context.
	ipldGetBase int64

	// Gas cost (Base + len*PerByte) for any Put operation to the IPLD store
	// in the runtime VM context.
	//
	// Note: these costs should be significantly higher than the costs for Get
	// operations, since they reflect not only serialization/deserialization
	// but also persistent storage of chain data.
	ipldPutBase    int64
	ipldPutPerByte int64

	// Gas cost for creating a new actor.
	//
	// Note: this costs assume that the extra will be partially or totally refunded while
	// the base is covering for the put.
	createActorCompute int64
	createActorStorage int64

	// Gas cost for deleting an actor.
	//
	// Note: this partially refunds the create cost to incentivise the deletion of the actors.
	deleteActor int64

	verifySignature map[crypto.SigType]int64

	hashingBase int64

	randomnessBase    int64
	randomnessPerByte int64

	// Fixed overhead of crossing the syscall boundary, charged in addition to
	// the cost of the operation performed.
	syscallBase int64

	// Cost of executing a single engine instruction, in milligas. Kept at
	// sub-gas granularity to avoid rounding bias over long instruction runs.
	instructionMilligas int64

	// Cost of a single page of guest linear memory.
	memoryPageGas int64
}

// OnChainMessage returns the gas used for storing a message of a given size in the chain.
func (pl *pricelistV0) OnChainMessage(msgSize int) gas.Charge {
	return gas.NewCharge("OnChainMessage", pl.onChainMessageComputeBase,
		(pl.onChainMessageStorageBase+pl.onChainMessageStoragePerByte*int64(msgSize))*pl.storageGasMulti)
}

// OnChainReturnValue returns the gas used for storing the response of a message in the chain.
func (pl *pricelistV0) OnChainReturnValue(dataSize int) gas.Charge {
	return gas.NewCharge("OnChainReturnValue", 0, int64(dataSize)*pl.onChainReturnValuePerByte*pl.storageGasMulti)
}

// OnMethodInvocation returns the gas used when invoking a method.
func (pl *pricelistV0) OnMethodInvocation(value abi.TokenAmount, methodNum abi.MethodNum) gas.Charge {
	ret := pl.sendBase
	extra := ""

	if big.Cmp(value, abi.NewTokenAmount(0)) != 0 {
		ret += pl.sendTransferFunds
		if methodNum == builtin3.MethodSend {
			// transfer only
			ret += pl.sendTransferOnlyPremium
		}
		extra += "t"
	}

	if methodNum != builtin3.MethodSend {
		extra += "i"
		// running actors is cheaper because we hand over to actors
		ret += pl.sendInvokeMethod
	}
	return gas.NewCharge("OnMethodInvocation", ret, 0).WithExtra(extra)
}

// OnIpldGet returns the gas used for retrieving an object.
func (pl *pricelistV0) OnIpldGet() gas.Charge {
	return gas.NewCharge("OnIpldGet", pl.ipldGetBase, 0)
}

// OnIpldPut returns the gas used for storing an object.
func (pl *pricelistV0) OnIpldPut(dataSize int) gas.Charge {
	return gas.NewCharge("OnIpldPut", pl.ipldPutBase, int64(dataSize)*pl.ipldPutPerByte*pl.storageGasMulti).
		WithExtra(dataSize)
}

// OnCreateActor returns the gas used for creating an actor.
func (pl *pricelistV0) OnCreateActor() gas.Charge {
	return gas.NewCharge("OnCreateActor", pl.createActorCompute, pl.createActorStorage*pl.storageGasMulti)
}

// OnDeleteActor returns the gas used for deleting an actor.
func (pl *pricelistV0) OnDeleteActor() gas.Charge {
	return gas.NewCharge("OnDeleteActor", 0, pl.deleteActor*pl.storageGasMulti)
}

func (pl *pricelistV0) OnVerifySignature(sigType crypto.SigType, planTextSize int) (gas.Charge, error) {
	cost, ok := pl.verifySignature[sigType]
	if !ok {
		return gas.Charge{}, fmt.Errorf("cost function for signature type %d not supported", sigType)
	}

	sigName, _ := sigType.Name()
	return gas.NewCharge("OnVerifySignature", cost, 0).
		WithExtra(map[string]interface{}{
			"type": sigName,
			"size": planTextSize,
		}), nil
}

// OnHashing
func (pl *pricelistV0) OnHashing(dataSize int) gas.Charge {
	return gas.NewCharge("OnHashing", pl.hashingBase, 0).WithExtra(dataSize)
}

// OnRandomness
func (pl *pricelistV0) OnRandomness(entropySize int) gas.Charge {
	return gas.NewCharge("OnRandomness", pl.randomnessBase+pl.randomnessPerByte*int64(entropySize), 0)
}

// OnInstructions returns the gas used for executing a run of instructions.
func (pl *pricelistV0) OnInstructions(count int) gas.Charge {
	return gas.NewMilliCharge("OnInstructions", pl.instructionMilligas*int64(count), 0)
}

// OnMemoryPage returns the gas used for growing guest memory.
func (pl *pricelistV0) OnMemoryPage(pages int) gas.Charge {
	return gas.NewCharge("OnMemoryPage", pl.memoryPageGas*int64(pages)*pl.computeGasMulti, 0)
}

// OnSyscall returns the fixed syscall dispatch overhead.
func (pl *pricelistV0) OnSyscall() gas.Charge {
	return gas.NewCharge("OnSyscall", pl.syscallBase, 0)
}
