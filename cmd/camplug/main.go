// camplug - A host for versioned camera plugin modules
//
// camplug loads camera modules, negotiates their API level and drives
// them through the stream lifecycle.
//
// Copyright (c) 2025 John Mylchreest
// Licensed under the MIT License
package main

import (
	"os"

	"github.com/jmylchreest/camplug/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
