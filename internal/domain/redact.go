// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

const RedactedStr = "<redacted>"

// RedactString hides a secret in API output. Empty stays empty so clients can
// tell an unset secret from a stored one.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return RedactedStr
}

// IsRedactedString reports whether s is the placeholder sent back by a client
// that never saw the real value.
func IsRedactedString(s string) bool {
	return s == RedactedStr
}
