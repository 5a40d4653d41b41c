// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckMinVersion(t *testing.T) {
	tests := []struct {
		reported string
		minimum  string
		kind     ErrorKind
	}{
		{reported: "0.9.8", minimum: "0.9.0"},
		{reported: "v1.37.0", minimum: "1.34.0"},
		{reported: "0.9.8 (libtorrent 0.13.8)", minimum: "0.9.0"},
		{reported: "12.0", minimum: "12.0"},
		{reported: "21.1-testing-r2345", minimum: "12.0"},
		{reported: "11.0", minimum: "12.0", kind: KindVersionUnsupported},
		{reported: "1.33.1", minimum: "1.34.0", kind: KindVersionUnsupported},
		{reported: "unknown", minimum: "1.0", kind: KindProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.reported, func(t *testing.T) {
			err := checkMinVersion(TypeNZBGet, tt.reported, tt.minimum)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}
