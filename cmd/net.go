package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// guessIpAddress takes a base IP address and a partial address string,
// and fills in the missing octets from the base address.
func guessIpAddress(baseAddress net.IP, partialAddr string) (net.IP, error) {
	ip := make(net.IP, len(baseAddress))
	copy(ip, baseAddress)
	octets := strings.Split(partialAddr, ".")
	if len(octets) == 1 && octets[0] == "" {
		return ip, nil
	}
	if len(octets) > len(ip) {
		return net.IP{}, fmt.Errorf("too many octets in %q", partialAddr)
	}
	for i := 0; i < len(octets); i++ {
		var octet byte
		_, err := fmt.Sscanf(octets[i], "%d", &octet)
		if err != nil {
			return net.IP{}, err
		}
		ip[len(ip)-len(octets)+i] = octet
	}
	return ip, nil
}

// subnetOfListener returns the IP network (CIDR) of the interface that contains
// the local address used by the provided TCP listener.
func subnetOfListener(l *net.TCPListener) (net.IPNet, error) {
	tcpAddr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return net.IPNet{}, fmt.Errorf("listener is not TCP")
	}
	ip := tcpAddr.IP
	if ip == nil || ip.IsUnspecified() {
		return net.IPNet{}, fmt.Errorf("listener has unspecified IP %v", ip)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return net.IPNet{}, err
	}
	for _, ifi := range ifaces {
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			var ipnet *net.IPNet
			switch v := a.(type) {
			case *net.IPNet:
				ipnet = v
			case *net.IPAddr:
				ipnet = &net.IPNet{IP: v.IP, Mask: v.IP.DefaultMask()}
			default:
				continue
			}
			if ipnet == nil {
				continue
			}
			if ipnet.Contains(ip) || ipnet.IP.Equal(ip) {
				return *ipnet, nil
			}
		}
	}
	return net.IPNet{}, fmt.Errorf("no interface found for ip %v", ip)
}

// splitHostPort splits an address into host and port, using defaultPort if no port is specified.
func splitHostPort(addr string, defaultPort int) (string, string, error) {
	ipaddr, port, err := net.SplitHostPort(addr)
	if err != nil {
		addr = addr + ":" + strconv.Itoa(defaultPort)
		ipaddr, port, err = net.SplitHostPort(addr)
		if err != nil {
			return "", "", err
		}
	}
	return ipaddr, port, nil
}

// resolvePeerAddress turns the peer argument of the run command into
// host:port. A host made of trailing octets only, such as "42" or "0.42",
// is completed with the leading octets of local. A missing port defaults to
// the local one.
func resolvePeerAddress(local *net.TCPAddr, arg string) (string, error) {
	host, port, err := splitHostPort(arg, local.Port)
	if err != nil {
		return "", fmt.Errorf("invalid peer address %q: %w", arg, err)
	}
	if host == "localhost" || net.ParseIP(host) != nil || !isPartialIP(host) {
		return net.JoinHostPort(host, port), nil
	}
	base := local.IP.To4()
	if base == nil || base.IsUnspecified() {
		return "", fmt.Errorf("cannot complete %q: listening on %v", host, local.IP)
	}
	ip, err := guessIpAddress(base, host)
	if err != nil {
		return "", fmt.Errorf("cannot complete %q: %w", host, err)
	}
	return net.JoinHostPort(ip.String(), port), nil
}

func isPartialIP(host string) bool {
	if host == "" {
		return true
	}
	for _, octet := range strings.Split(host, ".") {
		if _, err := strconv.ParseUint(octet, 10, 8); err != nil {
			return false
		}
	}
	return true
}

// advertisedAddress returns the address other peers should dial to reach l.
// A wildcard listener is advertised with the address of the interface used
// for outbound traffic.
func advertisedAddress(l net.Listener) string {
	addr := l.Addr().(*net.TCPAddr)
	if !addr.IP.IsUnspecified() {
		return addr.String()
	}
	conn, err := net.Dial("udp", "239.0.0.1:9")
	if err != nil {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.Port))
	}
	defer conn.Close()
	local := conn.LocalAddr().(*net.UDPAddr)
	return net.JoinHostPort(local.IP.String(), strconv.Itoa(addr.Port))
}
