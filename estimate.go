package fvm

import (
	"context"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"golang.org/x/sync/errgroup"

	"github.com/iand/fvm/chain"
	"github.com/iand/fvm/kernel"
	"github.com/iand/fvm/networks"
)

// GasEstimate is the projected cost of a message obtained by speculative
// execution.
type GasEstimate struct {
	ExitCode exitcode.ExitCode
	GasUsed  int64
}

// EstimateGasBatch speculatively executes each message against the state
// rooted at preRoot and reports the gas it would use. Each estimate runs in
// its own machine over a private state overlay, so the estimates are
// independent of one another and the tree at preRoot is never modified.
//
// The message's gas fields are ignored: execution runs under the block gas
// limit with a zero fee cap, so only the sender's nonce and value balance
// need to be valid.
func EstimateGasBatch(ctx context.Context, bs blockstore.Blockstore, preRoot cid.Cid, net networks.Network, epoch abi.ChainEpoch, baseFee abi.TokenAmount, externs kernel.Externs, msgs []*chain.Message) ([]GasEstimate, error) {
	estimates := make([]GasEstimate, len(msgs))

	g, ctx := errgroup.WithContext(ctx)
	for i, msg := range msgs {
		i, msg := i, msg
		g.Go(func() error {
			m, err := NewMachine(ctx, bs, preRoot, net, epoch, baseFee, externs)
			if err != nil {
				return err
			}

			probe := *msg
			probe.GasLimit = BlockGasLimit
			probe.GasFeeCap = big.Zero()
			probe.GasPremium = big.Zero()

			ret, err := m.ApplyMessage(ctx, &probe)
			if err != nil {
				return err
			}
			estimates[i] = GasEstimate{ExitCode: ret.ExitCode, GasUsed: ret.GasUsed}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return estimates, nil
}
