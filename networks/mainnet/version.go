package mainnet

import (
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/network"
	builtin3 "github.com/filecoin-project/specs-actors/v3/actors/builtin"
)

const UpgradeBreezeHeight = 41280

const UpgradeSmokeHeight = 51000

const (
	UpgradeIgnitionHeight = 94000
	UpgradeRefuelHeight   = 130800
)

const UpgradeActorsV2Height = 138720

const UpgradeTapeHeight = 140760

const UpgradeKumquatHeight = 170000

const (
	UpgradeCalicoHeight  = 265200
	UpgradePersianHeight = UpgradeCalicoHeight + (builtin3.EpochsInHour * 60)
)

const UpgradeOrangeHeight = 336458

const BlockDelaySecs = uint64(builtin3.EpochDurationSeconds)

func VersionByEpoch(epoch abi.ChainEpoch) network.Version {
	if epoch < UpgradeBreezeHeight {
		return network.Version0
	}

	if epoch < UpgradeSmokeHeight {
		return network.Version1
	}

	if epoch < UpgradeIgnitionHeight {
		return network.Version2
	}

	if epoch < UpgradeActorsV2Height {
		return network.Version3
	}

	if epoch < UpgradeTapeHeight {
		return network.Version4
	}

	if epoch < UpgradeKumquatHeight {
		return network.Version5
	}

	if epoch < UpgradeCalicoHeight {
		return network.Version6
	}

	if epoch < UpgradePersianHeight {
		return network.Version7
	}

	if epoch < UpgradeOrangeHeight {
		return network.Version8
	}

	return network.Version9
}

func ActorsVersionByEpoch(epoch abi.ChainEpoch) int {
	if epoch < UpgradeActorsV2Height {
		return 0
	}
	return 3
}
