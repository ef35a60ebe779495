//go:build !linux

package netcheck

import "github.com/cockroachdb/errors"

// PhysicalLinkUp is unavailable off Linux; callers treat the error as
// "unknown" and warn.
func PhysicalLinkUp() (bool, error) {
	return false, errors.New("link state probe not supported on this platform")
}
