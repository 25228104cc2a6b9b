package nic

// HostInterface is the kernel's view of a network interface, resolved
// via netlink for the status API. Accelerator-direct queues bypass the
// kernel, so this is observational only.
type HostInterface struct {
	Name    string `json:"name"`
	Ifindex int    `json:"ifindex"`
	MAC     string `json:"mac"`
	Up      bool   `json:"up"`
	MTU     int    `json:"mtu"`
}

// HostInterfaces lists the kernel's network interfaces.
func HostInterfaces() ([]HostInterface, error) {
	return hostInterfaces()
}

// HostInterfaceByName resolves one interface by kernel name.
func HostInterfaceByName(name string) (HostInterface, error) {
	return hostInterfaceByName(name)
}
