// Copyright 2025 Sentinel
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"fmt"
	"net"
	"strings"
)

// ProxyTrust resolves the real client IP. A forwarded-address header is
// honored only when the transport-layer peer is inside the trusted
// proxy allowlist; otherwise the header is ignored, closing the
// spoofed-header bypass where an attacker fabricates X-Forwarded-For to
// dodge per-IP ceilings.
type ProxyTrust struct {
	cidrs []*net.IPNet
}

// NewProxyTrust parses the trusted-proxy CIDR list. Bare IPs are
// accepted as /32 (or /128) entries.
func NewProxyTrust(cidrs []string) (*ProxyTrust, error) {
	pt := &ProxyTrust{}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			ip := net.ParseIP(c)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy entry %q", c)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			c = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", c, err)
		}
		pt.cidrs = append(pt.cidrs, ipnet)
	}
	return pt, nil
}

// IsTrusted reports whether the peer IP belongs to a trusted proxy.
func (pt *ProxyTrust) IsTrusted(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, cidr := range pt.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ResolveClientIP returns the client IP for rate-limit accounting.
// peerAddr is the transport-layer remote address ("ip:port" or bare
// IP); forwardedFor is the X-Forwarded-For header value, possibly
// empty. The header is consulted only when the peer is a trusted proxy,
// and only its first parseable entry is used; anything malformed falls
// back to the peer address.
func (pt *ProxyTrust) ResolveClientIP(peerAddr, forwardedFor string) string {
	peer := parsePeerIP(peerAddr)
	if peer == nil {
		return peerAddr
	}

	if forwardedFor == "" || !pt.IsTrusted(peer) {
		return peer.String()
	}

	for _, part := range strings.Split(forwardedFor, ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
			return ip.String()
		}
	}

	// Trusted proxy sent a malformed header; fall back to the peer.
	return peer.String()
}

func parsePeerIP(peerAddr string) net.IP {
	host := peerAddr
	if h, _, err := net.SplitHostPort(peerAddr); err == nil {
		host = h
	}
	return net.ParseIP(host)
}
