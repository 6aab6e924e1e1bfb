/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

package x

import (
	"fmt"
	"runtime"
)

// These are set using -ldflags at build time.
var (
	Version  string
	CommitID string
)

// BuildDetails returns a formatted string describing the build.
func BuildDetails() string {
	version := Version
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf(`
XIAM Hierarchy version : %v
Commit                 : %v
Go version             : %v
`, version, CommitID, runtime.Version())
}
