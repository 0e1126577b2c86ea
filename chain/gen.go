// +build ignore

package main

import (
	"fmt"
	"os"

	gen "github.com/whyrusleeping/cbor-gen"

	"github.com/iand/fvm/chain"
)

func main() {
	err := gen.WriteTupleEncodersToFile("cbor_gen.go", "chain",
		chain.Message{},
		chain.SignedMessage{},
		chain.Receipt{},
	)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
