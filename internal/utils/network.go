package utils

import (
	"fmt"
	"net"
	"strings"
)

// --- Utility Functions ---

func DetectLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String(), nil
		}
	}
	return "", fmt.Errorf("no local IPv4 address found")
}

// Subnet24 returns the first three octets of an IPv4 address.
func Subnet24(ip string) (string, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip)).To4()
	if parsed == nil {
		return "", fmt.Errorf("%q is not an IPv4 address", ip)
	}
	return fmt.Sprintf("%d.%d.%d", parsed[0], parsed[1], parsed[2]), nil
}

// SameSubnet24 reports whether both addresses share a /24.
func SameSubnet24(a, b string) bool {
	sa, err := Subnet24(a)
	if err != nil {
		return false
	}
	sb, err := Subnet24(b)
	if err != nil {
		return false
	}
	return sa == sb
}

// SubnetHosts lists the 254 host addresses of a /24 given as "a.b.c".
func SubnetHosts(subnet string) []string {
	hosts := make([]string, 0, 254)
	for i := 1; i <= 254; i++ {
		hosts = append(hosts, fmt.Sprintf("%s.%d", subnet, i))
	}
	return hosts
}
