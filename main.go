// Command unpackd runs the archive upload, extraction, and browse service.
package main

import (
	"os"

	"github.com/unpackd/unpackd/cli"
	"github.com/unpackd/unpackd/common"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Error("unpackd exited with error")
		os.Exit(1)
	}
}
