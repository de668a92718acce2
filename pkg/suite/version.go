// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package suite

import "fmt"

var (
	// SHOULD be inserted at build time through `-ldflags`
	version          = "0.0.0"
	versionGitCommit = ""
	versionBuildHash = ""
	versionBuildID   = ""
)

func GetVersion() string {
	return version
}

func GetFullVersionStr() string {
	ver := fmt.Sprintf("%s (GitCommit: %s", version, versionGitCommit)
	if versionBuildHash != "" {
		ver += fmt.Sprintf(", BuildHash: %s", versionBuildHash)
	}
	if versionBuildID != "" {
		ver += fmt.Sprintf(", BuildID: %s", versionBuildID)
	}
	return ver + ")"
}
