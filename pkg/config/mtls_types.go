package config

import (
	"fmt"
	"strings"
)

// PeerVerificationMode controls how strictly peer certificates are validated.
type PeerVerificationMode string

const (
	// PeerVerificationStrict verifies the chain against the trust store and the
	// peer certificate against the requested host.
	PeerVerificationStrict PeerVerificationMode = "strict"
	// PeerVerificationTrustBundleOnly verifies the chain against the trust store
	// only; SAN matching is skipped.
	PeerVerificationTrustBundleOnly PeerVerificationMode = "trust_bundle_only"
)

// ParsePeerVerification converts raw string values to a recognised mode.
func ParsePeerVerification(value string) (PeerVerificationMode, error) {
	if value == "" {
		return PeerVerificationStrict, nil
	}
	normalized := strings.ReplaceAll(strings.TrimSpace(strings.ToLower(value)), "-", "_")
	mode := PeerVerificationMode(normalized)
	switch mode {
	case PeerVerificationStrict, PeerVerificationTrustBundleOnly:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown peer verification mode %q", value)
	}
}
