// Package capability decides whether a terminal may try to reach the receipt
// printer directly. The decision is a conservative allow-list computed from
// configuration; it never probes the network.
package capability

import (
	"fmt"
	"net"
	"strings"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/utils"
)

type Locality string

const (
	LocalityUnknown  Locality = ""
	LocalityLoopback Locality = "loopback"
	LocalityLAN      Locality = "lan"
	LocalityPublic   Locality = "public"
	// LocalityAuto is only valid in configuration. It is replaced by
	// ResolveLocality before classification.
	LocalityAuto Locality = "auto"
)

type DeviceClass string

const (
	DeviceUnknown         DeviceClass = ""
	DevicePrinterAdjacent DeviceClass = "printer-adjacent"
	DeviceTablet          DeviceClass = "tablet"
	DeviceDesktop         DeviceClass = "desktop"
)

type Environment struct {
	Locality Locality
	Device   DeviceClass
}

// Classify reports whether the terminal can attempt direct protocol dispatch.
//
// A terminal on a public network is never capable. A terminal on the
// printer's LAN or on loopback always is. Otherwise only the dedicated
// printer-adjacent device is trusted.
func Classify(env Environment) bool {
	switch env.Locality {
	case LocalityPublic:
		return false
	case LocalityLAN, LocalityLoopback:
		return true
	}
	return env.Device == DevicePrinterAdjacent
}

func ParseLocality(s string) (Locality, error) {
	switch l := Locality(strings.ToLower(strings.TrimSpace(s))); l {
	case LocalityUnknown, LocalityLoopback, LocalityLAN, LocalityPublic, LocalityAuto:
		return l, nil
	}
	return LocalityUnknown, fmt.Errorf("unknown locality %q", s)
}

func ParseDeviceClass(s string) (DeviceClass, error) {
	switch d := DeviceClass(strings.ToLower(strings.TrimSpace(s))); d {
	case DeviceUnknown, DevicePrinterAdjacent, DeviceTablet, DeviceDesktop:
		return d, nil
	}
	return DeviceUnknown, fmt.Errorf("unknown device class %q", s)
}

// ResolveLocality turns the terminal's own address into a locality relative
// to the printer. It is meant to be called once at startup for terminals
// configured with locality "auto".
func ResolveLocality(localIP, printerHost string) Locality {
	printer := net.ParseIP(printerHost)
	if printer != nil && printer.IsLoopback() {
		return LocalityLoopback
	}
	local := net.ParseIP(localIP)
	if local == nil {
		return LocalityUnknown
	}
	if local.IsLoopback() {
		return LocalityLoopback
	}
	if !local.IsPrivate() {
		return LocalityPublic
	}
	if printer != nil && utils.SameSubnet24(localIP, printerHost) {
		return LocalityLAN
	}
	return LocalityUnknown
}

// FromConfig parses the configured strings into an Environment, resolving
// "auto" with detectIP (normally utils.DetectLocalIP).
func FromConfig(locality, device, printerHost string, detectIP func() (string, error)) (Environment, error) {
	l, err := ParseLocality(locality)
	if err != nil {
		return Environment{}, err
	}
	d, err := ParseDeviceClass(device)
	if err != nil {
		return Environment{}, err
	}
	if l == LocalityAuto {
		ip, err := detectIP()
		if err != nil {
			return Environment{}, fmt.Errorf("resolve locality: %w", err)
		}
		l = ResolveLocality(ip, printerHost)
	}
	return Environment{Locality: l, Device: d}, nil
}
