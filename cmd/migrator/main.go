// Package main is the entry point for the mentorsync operator CLI.
package main

import (
	"os"

	"github.com/dmitrijs2005/mentorsync/cmd/migrator/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
