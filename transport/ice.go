// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "github.com/pion/webrtc/v4"

// ICEConfig lists the STUN and TURN servers used while gathering
// candidates. The zero value gathers host candidates only, which is
// enough for peers on one machine or LAN.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig with one server entry covering
// urls. Empty urls yields the zero config.
func ICEConfigFromURLs(urls []string, username, credential string) ICEConfig {
	if len(urls) == 0 {
		return ICEConfig{}
	}
	return ICEConfig{Servers: []webrtc.ICEServer{{
		URLs:       urls,
		Username:   username,
		Credential: credential,
	}}}
}
