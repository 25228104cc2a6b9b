//go:build !linux

package nic

import "errors"

var errUnsupported = errors.New("nic: host interface lookup requires linux")

func hostInterfaces() ([]HostInterface, error) {
	return nil, errUnsupported
}

func hostInterfaceByName(string) (HostInterface, error) {
	return HostInterface{}, errUnsupported
}
