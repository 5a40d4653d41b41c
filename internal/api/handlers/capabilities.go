// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"github.com/borrowarr/borrowarr/internal/downloadclient"
)

// CapabilitiesResponse describes supported features for a download client.
type CapabilitiesResponse struct {
	downloadclient.Capabilities
	Type        downloadclient.ClientType `json:"type"`
	DisplayName string                    `json:"displayName"`
	AuthScheme  downloadclient.AuthScheme `json:"authScheme"`
	Protocols   []downloadclient.Protocol `json:"protocols"`
}

// NewCapabilitiesResponse creates a response payload from an adapter.
func NewCapabilitiesResponse(client downloadclient.Client) CapabilitiesResponse {
	d, _ := downloadclient.DescriptorOf(client.Type())
	return CapabilitiesResponse{
		Capabilities: downloadclient.CapabilitiesOf(client),
		Type:         d.Type,
		DisplayName:  d.DisplayName,
		AuthScheme:   d.Scheme,
		Protocols:    d.Protocols,
	}
}
