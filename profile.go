/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package rohc

import "github.com/facebook/rohc/header"

// profileHandler is the capability set of one profile. Profiles differ
// in how the flow is classified, where the master sequence number comes
// from and which chain pieces travel in IR packets; the packet-format
// machinery itself is shared.
type profileHandler struct {
	id      ProfileID
	rtp     bool
	snWidth uint
	// generatedSn marks profiles whose SN is invented by the
	// compressor (IP-only, UDP) rather than taken from the flow.
	generatedSn bool

	classify func(h *header.Headers) bool
	snOf     func(h *header.Headers) uint32
	setSn    func(h *header.Headers, sn uint32)
}

// profileOrder is the classification preference: most specific first.
var profileOrder = []ProfileID{ProfileRTP, ProfileESP, ProfileUDP, ProfileIP, ProfileUncompressed}

var profileHandlers = map[ProfileID]*profileHandler{
	ProfileUncompressed: {
		id:       ProfileUncompressed,
		classify: func(*header.Headers) bool { return true },
	},
	ProfileIP: {
		id:          ProfileIP,
		snWidth:     16,
		generatedSn: true,
		classify:    func(h *header.Headers) bool { return true },
	},
	ProfileUDP: {
		id:          ProfileUDP,
		snWidth:     16,
		generatedSn: true,
		classify:    func(h *header.Headers) bool { return h.Udp != nil },
	},
	ProfileESP: {
		id:       ProfileESP,
		snWidth:  32,
		classify: func(h *header.Headers) bool { return h.Esp != nil },
		snOf:     func(h *header.Headers) uint32 { return h.Esp.Sn },
		setSn:    func(h *header.Headers, sn uint32) { h.Esp.Sn = sn },
	},
	ProfileRTP: {
		id:       ProfileRTP,
		rtp:      true,
		snWidth:  16,
		classify: func(h *header.Headers) bool { return h.Rtp != nil },
		snOf:     func(h *header.Headers) uint32 { return uint32(h.Rtp.Sn) },
		setSn:    func(h *header.Headers, sn uint32) { h.Rtp.Sn = uint16(sn) },
	},
}

// defaultRtpDetector decides whether a UDP flow should be treated as
// RTP. There is no reliable signature for RTP, so the default is the
// common even-port convention; callers with better knowledge install
// their own detector.
func defaultRtpDetector(h *header.Headers) bool {
	return h.Udp != nil && h.Udp.DstPort >= 1024 && h.Udp.DstPort%2 == 0
}
