// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"regexp"

	"github.com/hashicorp/go-version"
)

var versionPattern = regexp.MustCompile(`\d+(\.\d+)*`)

// checkMinVersion compares the first dotted number found in reported against
// minimum. Backends decorate versions ("v1.2-testing", "0.9.8 (libtorrent)"),
// so only the numeric core is compared.
func checkMinVersion(client ClientType, reported, minimum string) error {
	core := versionPattern.FindString(reported)
	if core == "" {
		return newError(KindProtocol, client, "test", "unrecognized version %q", reported)
	}

	have, err := version.NewVersion(core)
	if err != nil {
		return wrapError(KindProtocol, client, "test", err, "unrecognized version %q", reported)
	}
	want := version.Must(version.NewVersion(minimum))

	if have.LessThan(want) {
		return versionTooLow(client, reported, minimum)
	}
	return nil
}
