// Command feedback runs the progressive operation feedback daemon and its
// configuration tools. See package cli for the command tree.
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"feedback.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("feedback failed")
		os.Exit(1)
	}
}
