package conformance

import (
	"bytes"
	"context"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/go-logr/logr"
	block "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/pkg/errors"

	"github.com/iand/fvm"
	"github.com/iand/fvm/chain"
	"github.com/iand/fvm/kernel"
	"github.com/iand/fvm/networks"
)

// Divergence describes the first observed difference between a replay and
// the vector's expectations.
type Divergence struct {
	// MessageIndex is the index of the diverging message, or -1 when the
	// divergence is in the post-state root.
	MessageIndex int
	Field        string
	Expected     interface{}
	Actual       interface{}
}

func (d *Divergence) Error() string {
	if d.MessageIndex < 0 {
		return errors.Errorf("post-state divergence in %s: expected %v, got %v", d.Field, d.Expected, d.Actual).Error()
	}
	return errors.Errorf("receipt %d divergence in %s: expected %v, got %v", d.MessageIndex, d.Field, d.Expected, d.Actual).Error()
}

// Run replays v against a fresh store and reports the first divergence, or
// nil when the replay matches the vector exactly. Replay uses the
// deterministic digest externs so that randomness and signature results are
// reproducible everywhere.
func Run(ctx context.Context, v *Vector, net networks.Network) error {
	logger := logr.FromContextOrDiscard(ctx)

	bs := blockstore.NewBlockstore(dssync.MutexWrap(datastore.NewMapDatastore()))
	for _, seed := range v.Blocks {
		blk, err := block.NewBlockWithCid(seed.Data, seed.Cid)
		if err != nil {
			return errors.Wrapf(err, "seeding block %s", seed.Cid)
		}
		if err := bs.Put(blk); err != nil {
			return errors.Wrapf(err, "seeding block %s", seed.Cid)
		}
	}

	msgs := make([]*chain.Message, 0, len(v.ApplyMessages))
	for i, vm := range v.ApplyMessages {
		msg, err := chain.DecodeMessage(vm.Bytes)
		if err != nil {
			return errors.Wrapf(err, "decoding message %d", i)
		}
		msgs = append(msgs, msg)
	}

	receipts, postRoot, err := fvm.Apply(ctx, bs, v.Pre.StateRoot, net, v.Pre.Epoch, v.Pre.BaseFee, kernel.DigestExterns{}, msgs)
	if err != nil {
		return errors.Wrap(err, "replaying vector")
	}

	for i, expected := range v.Post.Receipts {
		actual := receipts[i]
		if actual.ExitCode != expected.ExitCode {
			return &Divergence{MessageIndex: i, Field: "exit_code", Expected: expected.ExitCode, Actual: actual.ExitCode}
		}
		if !bytes.Equal(actual.Return, expected.Return) {
			return &Divergence{MessageIndex: i, Field: "return", Expected: expected.Return, Actual: actual.Return}
		}
		if actual.GasUsed != expected.GasUsed {
			return &Divergence{MessageIndex: i, Field: "gas_used", Expected: expected.GasUsed, Actual: actual.GasUsed}
		}
	}

	if !postRoot.Equals(v.Post.StateRoot) {
		return &Divergence{MessageIndex: -1, Field: "state_root", Expected: v.Post.StateRoot, Actual: postRoot}
	}

	if v.Meta != nil {
		logger.V(1).Info("vector passed", "id", v.Meta.ID, "messages", len(msgs))
	}
	return nil
}

// Build executes msgs against the state rooted at preRoot and captures the
// results as a vector, including every block in bs. It is the authoring
// counterpart of Run.
func Build(ctx context.Context, bs blockstore.Blockstore, preRoot cid.Cid, net networks.Network, epoch abi.ChainEpoch, baseFee abi.TokenAmount, msgs []*chain.Message, meta *Meta) (*Vector, error) {
	receipts, postRoot, err := fvm.Apply(ctx, bs, preRoot, net, epoch, baseFee, kernel.DigestExterns{}, msgs)
	if err != nil {
		return nil, errors.Wrap(err, "executing messages")
	}

	v := &Vector{
		Class: ClassMessage,
		Meta:  meta,
		Pre: Preconditions{
			StateRoot: preRoot,
			Epoch:     epoch,
			BaseFee:   baseFee,
		},
		Post: Postconditions{
			StateRoot: postRoot,
		},
	}

	for _, msg := range msgs {
		raw, err := msg.Serialize()
		if err != nil {
			return nil, err
		}
		v.ApplyMessages = append(v.ApplyMessages, Message{Bytes: raw})
	}
	for _, rec := range receipts {
		v.Post.Receipts = append(v.Post.Receipts, Receipt{
			ExitCode: rec.ExitCode,
			Return:   rec.Return,
			GasUsed:  rec.GasUsed,
		})
	}

	// Capture the entire store: replay needs the pre-state and the actor
	// code it references, and over-capture is harmless since blocks are
	// content addressed.
	keys, err := bs.AllKeysChan(ctx)
	if err != nil {
		return nil, err
	}
	for key := range keys {
		blk, err := bs.Get(key)
		if err != nil {
			return nil, errors.Wrapf(err, "reading block %s", key)
		}
		v.Blocks = append(v.Blocks, BlockSeed{Cid: key, Data: blk.RawData()})
	}

	return v, nil
}
