//go:build linux

package nic

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

func hostInterfaces() ([]HostInterface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	out := make([]HostInterface, 0, len(links))
	for _, l := range links {
		attrs := l.Attrs()
		out = append(out, HostInterface{
			Name:    attrs.Name,
			Ifindex: attrs.Index,
			MAC:     attrs.HardwareAddr.String(),
			Up:      attrs.OperState == netlink.OperUp,
			MTU:     attrs.MTU,
		})
	}
	return out, nil
}

func hostInterfaceByName(name string) (HostInterface, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return HostInterface{}, fmt.Errorf("link %s: %w", name, err)
	}
	attrs := l.Attrs()
	return HostInterface{
		Name:    attrs.Name,
		Ifindex: attrs.Index,
		MAC:     attrs.HardwareAddr.String(),
		Up:      attrs.OperState == netlink.OperUp,
		MTU:     attrs.MTU,
	}, nil
}
