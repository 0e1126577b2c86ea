package chain

import (
	cborutil "github.com/filecoin-project/go-cbor-util"
	"github.com/filecoin-project/go-state-types/abi"
	block "github.com/ipfs/go-block-format"
)

// EncodeAsBlock serializes v and wraps it as an IPLD block addressed by the
// default cid builder.
func EncodeAsBlock(v interface{}) (block.Block, error) {
	data, err := cborutil.Dump(v)
	if err != nil {
		return nil, err
	}

	c, err := abi.CidBuilder.Sum(data)
	if err != nil {
		return nil, err
	}

	return block.NewBlockWithCid(data, c)
}
