// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package version holds build metadata injected at compile time.
package version

// These are set via -ldflags in the build.
var (
	// Version is the semantic version of the binary.
	Version = "v0.0.0-dev"
	// GitCommit is the git SHA the binary was built from.
	GitCommit = ""
)

// Get returns the human-readable version string for startup logs.
func Get() string {
	if GitCommit == "" {
		return Version
	}
	return Version + "+" + GitCommit
}
