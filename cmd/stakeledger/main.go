package main

import (
	"os"

	"StakeLedger/cmd/stakeledger/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
