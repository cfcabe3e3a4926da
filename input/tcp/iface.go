package tcp

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/NetCVGuy/ScanFetch/errors"
)

// WildcardAddress binds every interface.
const WildcardAddress = "0.0.0.0"

// NetInterface is an active, non-loopback interface with its IPv4 addresses.
type NetInterface struct {
	Name  string
	Addrs []net.IP
}

// InterfaceLister enumerates candidate listen interfaces.
type InterfaceLister func() ([]NetInterface, error)

// SystemInterfaces lists interfaces that are up, not loopback and carry at
// least one IPv4 address.
func SystemInterfaces() ([]NetInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var result []NetInterface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		var v4 []net.IP
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
				v4 = append(v4, ip4)
			}
		}
		if len(v4) > 0 {
			result = append(result, NetInterface{Name: iface.Name, Addrs: v4})
		}
	}
	return result, nil
}

// SelectListenAddress picks the host a server-role endpoint binds to.
//
// An override matching an interface name or one of its addresses wins, and an
// override that is an IP literal not found among the interfaces (0.0.0.0
// included) is bound as given. An override naming no interface is logged and
// ignored. Then: no interfaces binds configured (or the wildcard when it is
// empty or "*"), one interface binds it, several fail with
// ErrAmbiguousInterface. configured is never used while interfaces exist.
func SelectListenAddress(override, configured string, lister InterfaceLister, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if lister == nil {
		lister = SystemInterfaces
	}

	ifaces, err := lister()
	if err != nil {
		return "", errors.Wrap(err, "tcp-server", "SelectListenAddress", "enumerate interfaces")
	}

	override = strings.TrimSpace(override)
	if override != "" {
		for _, iface := range ifaces {
			if strings.EqualFold(iface.Name, override) {
				logger.Info("Selected listen interface", "interface", iface.Name, "address", iface.Addrs[0].String())
				return iface.Addrs[0].String(), nil
			}
			for _, ip := range iface.Addrs {
				if ip.String() == override {
					return override, nil
				}
			}
		}
		if ip := net.ParseIP(override); ip != nil {
			if !ip.IsUnspecified() {
				logger.Warn("Listen address not found on any active interface, binding anyway", "address", override)
			}
			return override, nil
		}
		logger.Warn("Listen interface not found, selecting automatically", "listen_interface", override)
	}

	switch len(ifaces) {
	case 0:
		host := strings.TrimSpace(configured)
		if host == "" || host == "*" {
			host = WildcardAddress
		}
		logger.Warn("No active IPv4 interfaces found", "address", host)
		return host, nil
	case 1:
		logger.Info("Selected listen interface", "interface", ifaces[0].Name, "address", ifaces[0].Addrs[0].String())
		return ifaces[0].Addrs[0].String(), nil
	default:
		names := make([]string, 0, len(ifaces))
		for _, iface := range ifaces {
			names = append(names, fmt.Sprintf("%s (%s)", iface.Name, iface.Addrs[0]))
		}
		return "", fmt.Errorf("%w: %s", errors.ErrAmbiguousInterface, strings.Join(names, ", "))
	}
}
