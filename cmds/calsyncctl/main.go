package main

import (
	"github.com/sirupsen/logrus"

	"github.com/tierklinik-dobersberg/calsync/cmds/calsyncctl/cmds"
)

func main() {
	root := cmds.PrepareRootCommand()

	if err := root.Execute(); err != nil {
		logrus.Fatalf("failed to run: %s", err)
	}
}
