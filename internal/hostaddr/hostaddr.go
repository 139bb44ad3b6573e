// Package hostaddr chooses the UDP socket every session shares and the
// address advertised to browsers as the single host candidate.
//
// With a public address configured (the container behind NAT case) the
// socket is bound to BindIP on a fixed port and PublicIP is advertised with
// the port actually bound. Without one, a local interface address is
// detected, an ephemeral port is bound on it and that address is advertised.
package hostaddr

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/pion/transport/v3"
)

// DefaultUDPPort is the port bound when a public address is configured.
const DefaultUDPPort = 10000

var ErrNoHostAddress = errors.New("hostaddr: no usable interface address")

type Mode string

const (
	// ModePublic binds BindIP and advertises PublicIP.
	ModePublic Mode = "public"
	// ModeAuto binds and advertises a detected interface address.
	ModeAuto Mode = "auto"
)

type Options struct {
	// PublicIP is the address browsers should send media to. The zero value
	// selects auto-detection.
	PublicIP netip.Addr
	// BindIP is the local address to bind when PublicIP is set. The zero
	// value binds the unspecified address of PublicIP's family.
	BindIP netip.Addr
	// Port is bound when PublicIP is set.
	Port uint16
}

// Binding is a bound socket together with the address advertised for it.
type Binding struct {
	Conn       transport.UDPConn
	Mode       Mode
	Bound      netip.AddrPort
	Advertised netip.AddrPort
}

// Bind opens the shared UDP socket. Errors are not retried.
func Bind(n transport.Net, opts Options) (*Binding, error) {
	if opts.PublicIP.IsValid() {
		return bindPublic(n, opts)
	}
	return bindAuto(n)
}

func bindPublic(n transport.Net, opts Options) (*Binding, error) {
	public := opts.PublicIP.Unmap()
	if public.IsUnspecified() {
		return nil, fmt.Errorf("hostaddr: public address %s is unspecified", public)
	}

	bindIP := opts.BindIP.Unmap()
	if !bindIP.IsValid() {
		bindIP = netip.IPv4Unspecified()
		if public.Is6() {
			bindIP = netip.IPv6Unspecified()
		}
	}

	conn, bound, err := listen(n, netip.AddrPortFrom(bindIP, opts.Port))
	if err != nil {
		return nil, err
	}
	return &Binding{
		Conn:       conn,
		Mode:       ModePublic,
		Bound:      bound,
		Advertised: netip.AddrPortFrom(public, bound.Port()),
	}, nil
}

func bindAuto(n transport.Net) (*Binding, error) {
	addr, err := SelectHostAddress(n)
	if err != nil {
		return nil, err
	}
	conn, bound, err := listen(n, netip.AddrPortFrom(addr, 0))
	if err != nil {
		return nil, err
	}
	return &Binding{
		Conn:       conn,
		Mode:       ModeAuto,
		Bound:      bound,
		Advertised: netip.AddrPortFrom(addr, bound.Port()),
	}, nil
}

func listen(n transport.Net, addr netip.AddrPort) (transport.UDPConn, netip.AddrPort, error) {
	network := "udp4"
	if addr.Addr().Is6() {
		network = "udp6"
	}
	conn, err := n.ListenUDP(network, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("hostaddr: bind %s: %w", addr, err)
	}

	bound := addr
	if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		ap := udpAddr.AddrPort()
		bound = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return conn, bound, nil
}

// SelectHostAddress returns the first address of an up, non-loopback
// interface. IPv4 addresses win over IPv6 ones; loopback, link-local and
// unspecified addresses are never chosen.
func SelectHostAddress(n transport.Net) (netip.Addr, error) {
	ifaces, err := n.Interfaces()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("hostaddr: list interfaces: %w", err)
	}

	var v6 netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			// Interfaces without addresses report an error.
			continue
		}
		for _, a := range addrs {
			ip, ok := interfaceIP(a)
			if !ok || !usable(ip) {
				continue
			}
			if ip.Is4() {
				return ip, nil
			}
			if !v6.IsValid() {
				v6 = ip
			}
		}
	}
	if v6.IsValid() {
		return v6, nil
	}
	return netip.Addr{}, ErrNoHostAddress
}

func interfaceIP(a net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch v := a.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	return addr.Unmap(), ok
}

func usable(ip netip.Addr) bool {
	return ip.IsValid() &&
		!ip.IsUnspecified() &&
		!ip.IsLoopback() &&
		!ip.IsLinkLocalUnicast() &&
		!ip.IsMulticast()
}
