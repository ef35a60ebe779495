//go:build linux

// Package netcheck answers one question: is a physical network link
// operationally up? Compute-node enablement commits the machine to a
// network-boot-first loader chain, so a dead link is worth a warning
// before the pool is rewritten.
package netcheck

import (
	"github.com/cockroachdb/errors"
	"github.com/jsimonetti/rtnetlink/v2"
	"github.com/mdlayher/netlink"
)

// PhysicalLinkUp reports whether any physical ethernet interface is
// operationally up. Virtual kinds (bridges, bonds, vlans, loopback) are
// ignored; their state says nothing about the cable.
func PhysicalLinkUp() (bool, error) {
	conn, err := rtnetlink.Dial(&netlink.Config{Strict: true})
	if err != nil {
		// Strict mode is not universally available.
		conn, err = rtnetlink.Dial(nil)
		if err != nil {
			return false, errors.Wrap(err, "dial rtnetlink socket")
		}
	}
	defer conn.Close()

	links, err := conn.Link.List()
	if err != nil {
		return false, errors.Wrap(err, "list links")
	}
	for _, link := range links {
		if !isPhysical(link) {
			continue
		}
		if link.Attributes.OperationalState == rtnetlink.OperStateUp {
			return true, nil
		}
	}
	return false, nil
}

// isPhysical filters for real ethernet devices: ARPHRD_ETHER with no
// virtual link kind.
func isPhysical(link rtnetlink.LinkMessage) bool {
	if link.Type != 1 {
		return false
	}
	if link.Attributes == nil {
		return false
	}
	if link.Attributes.Info != nil && link.Attributes.Info.Kind != "" {
		return false
	}
	return true
}
