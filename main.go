package main

import (
	mock "github.com/mosaicxc/aggrelayer/chains/mock"
	tendermint "github.com/mosaicxc/aggrelayer/chains/tendermint"
	"github.com/mosaicxc/aggrelayer/cmd"
)

func main() {
	cmd.Execute(
		tendermint.Module{},
		mock.Module{},
	)
}
