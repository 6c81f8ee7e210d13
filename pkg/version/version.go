// Package version provides the SDK version, protocol version parsing, the
// product info string sent on session open, and ALPN helpers.
package version

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// SDK is the release of this library.
const SDK = "0.4.0"

// Protocol is the link protocol version implemented by this library.
const Protocol = "1.0"

// name prefixes the product info string and ALPN identifiers.
const name = "hublink"

// ProtocolVersion represents a parsed "major.minor" protocol version.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

// Parse parses a "major.minor" version string.
func Parse(s string) (ProtocolVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}

	major, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil || parts[0] == "" {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad major component", s)
	}

	minor, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || parts[1] == "" {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}

	return ProtocolVersion{Major: uint16(major), Minor: uint16(minor)}, nil
}

// String returns the version as "major.minor".
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible returns true if the other version has the same major version.
func (v ProtocolVersion) Compatible(other ProtocolVersion) bool {
	return v.Major == other.Major
}

// ProductInfo returns the product info string a session announces:
// "hublink-go/<sdk> (<go version>; <os>; <arch>)", followed by custom when
// it is not empty.
func ProductInfo(custom string) string {
	s := fmt.Sprintf("%s-go/%s (%s; %s; %s)", name, SDK, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if custom = strings.TrimSpace(custom); custom != "" {
		s += " " + custom
	}
	return s
}

// ALPNProtocol returns the ALPN protocol string for a major version:
// "hublink/N".
func ALPNProtocol(major uint16) string {
	return fmt.Sprintf("%s/%d", name, major)
}

// MajorFromALPN extracts the major version from an ALPN protocol string.
func MajorFromALPN(alpn string) (uint16, error) {
	prefix := name + "/"
	if !strings.HasPrefix(alpn, prefix) {
		return 0, fmt.Errorf("not a %s ALPN protocol: %q", name, alpn)
	}

	suffix := alpn[len(prefix):]
	if suffix == "" {
		return 0, fmt.Errorf("empty major version in ALPN: %q", alpn)
	}

	major, err := strconv.ParseUint(suffix, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid major version in ALPN %q: %w", alpn, err)
	}

	return uint16(major), nil
}

// SupportedALPNProtocols returns the ALPN protocol strings for all supported
// major versions.
func SupportedALPNProtocols() []string {
	current, _ := Parse(Protocol)
	return []string{ALPNProtocol(current.Major)}
}
