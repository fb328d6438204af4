// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-fieldsync - Offline Sync Engine for Field Clients")
	fmt.Println("====================================================")
	fmt.Println()
	fmt.Println("go-fieldsync keeps records in a local SQLite database, queues every local")
	fmt.Println("change, and reconciles with a central multi-tenant store when online.")
	fmt.Println()

	fmt.Println("Available programs:")
	fmt.Println()
	fmt.Println("1. Sync server (examples/nethttp_server/)")
	fmt.Println("   Reference remote store on net/http with JWT auth and tenant isolation")
	fmt.Println("   Uses PostgreSQL when DATABASE_URL is set, memory otherwise")
	fmt.Println("   Run: go run ./examples/nethttp_server")
	fmt.Println()

	fmt.Println("2. Device CLI (cmd/fieldsync/)")
	fmt.Println("   put, get, list, delete, sync, status, watch, failures, token")
	fmt.Println("   Run: go run ./cmd/fieldsync --help")
	fmt.Println()
}
