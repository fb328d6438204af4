// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command fieldsync is a device-side client for the sync engine: it keeps a
// local SQLite database of records and synchronizes it with a syncserver.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
