// Package main is the entry point of the authz-server binary.
package main

import (
	"os"

	"github.com/giantswarm/authz-server/cmd/authz-server/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
