// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes build identity for copse binaries.
//
// The variables are populated at link time:
//
//	go build -ldflags "\
//	  -X github.com/copsehq/copse/lib/version.GitCommit=$(git rev-parse HEAD) \
//	  -X github.com/copsehq/copse/lib/version.GitDirty=false \
//	  -X github.com/copsehq/copse/lib/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ) \
//	  -X github.com/copsehq/copse/lib/version.Version=v0.1.0"
//
// Binaries built without ldflags report "dev" with an unknown commit.
package version

import "fmt"

var (
	// GitCommit is the full commit hash the binary was built from.
	GitCommit = "unknown"

	// GitDirty is "true" when the working tree had uncommitted changes.
	GitDirty = "unknown"

	// BuildTime is the UTC build timestamp in RFC 3339 form.
	BuildTime = "unknown"

	// Version is the semantic version tag, or "dev" for untagged builds.
	Version = "dev"
)

// Info returns a single-line human-readable version string.
func Info() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit(), BuildTime)
}

// Full returns the complete commit hash, suffixed with "-dirty" when the
// build tree was not clean.
func Full() string {
	if GitDirty == "true" {
		return GitCommit + "-dirty"
	}
	return GitCommit
}

// Short returns the abbreviated commit hash.
func Short() string {
	c := Commit()
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

// Commit returns the commit hash with the dirty marker applied.
func Commit() string {
	return Full()
}
