package main

import (
	"os"

	"github.com/perfci/perfci/cmd/perfci/cmd"
	"github.com/perfci/perfci/internal/common"
)

func main() {
	common.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
