// +build ignore

package main

import (
	"fmt"
	"os"

	gen "github.com/whyrusleeping/cbor-gen"

	"github.com/iand/fvm/state"
)

func main() {
	err := gen.WriteTupleEncodersToFile("cbor_gen.go", "state",
		state.Actor{},
	)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
