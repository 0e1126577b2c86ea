package networks

import (
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/network"

	"github.com/iand/fvm/gas"
)

// Network describes the versioned rule set in force on a named chain. The
// machine selects a pricelist and network version once, at construction, from
// the epoch of the messages it will execute, so historical messages replay
// with the rules in force at their epoch.
type Network interface {
	Name() string

	// Pricelist finds the latest prices for the given epoch
	Pricelist(epoch abi.ChainEpoch) gas.Pricelist

	// Version returns the network version for the given epoch
	Version(epoch abi.ChainEpoch) network.Version

	// ActorsVersion returns the version of actors adt for the given epoch
	ActorsVersion(epoch abi.ChainEpoch) int
}
