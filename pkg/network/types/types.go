package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// RPFMode is the reverse path filter mode of an interface as understood
// by the kernel rp_filter sysctl
type RPFMode int

const (
	// RPFDisabled no source validation
	RPFDisabled RPFMode = 0
	// RPFStrict the packet must arrive on the interface the kernel would use
	// to reach its source
	RPFStrict RPFMode = 1
	// RPFLoose the source must be reachable through any interface
	RPFLoose RPFMode = 2
)

func (m RPFMode) String() string {
	switch m {
	case RPFDisabled:
		return "disabled"
	case RPFStrict:
		return "strict"
	case RPFLoose:
		return "loose"
	}
	return fmt.Sprintf("RPFMode(%d)", int(m))
}

// Valid checks that m is one of the known modes
func (m RPFMode) Valid() error {
	if m < RPFDisabled || m > RPFLoose {
		return fmt.Errorf("invalid rp_filter mode %d", int(m))
	}
	return nil
}

// ParseRPFMode accepts either the mode name or its sysctl value
func ParseRPFMode(s string) (RPFMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "0":
		return RPFDisabled, nil
	case "strict", "1":
		return RPFStrict, nil
	case "loose", "2":
		return RPFLoose, nil
	}
	return RPFDisabled, fmt.Errorf("unknown rp_filter mode '%s'", s)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface
func (m *RPFMode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseRPFMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface
func (m RPFMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// Protocol is a transport protocol a service is exposed on
type Protocol string

const (
	// TCP protocol
	TCP Protocol = "tcp"
	// UDP protocol
	UDP Protocol = "udp"
)

// Valid checks the protocol
func (p Protocol) Valid() error {
	switch p {
	case TCP, UDP:
		return nil
	}
	return fmt.Errorf("unsupported protocol '%s'", p)
}

// ExposureKind defines how a service is reachable from outside
type ExposureKind string

const (
	// NodePort exposes the service on a port of every address of the ingress node
	NodePort ExposureKind = "nodePort"
	// LoadBalancer exposes the service on a dedicated virtual address
	LoadBalancer ExposureKind = "loadBalancer"
)

// Valid checks the exposure kind
func (k ExposureKind) Valid() error {
	switch k {
	case NodePort, LoadBalancer:
		return nil
	}
	return fmt.Errorf("unsupported exposure kind '%s'", k)
}

// IPNet type
type IPNet struct{ net.IPNet }

// ParseIPNet parses a CIDR. The host part of the address is kept
func ParseIPNet(txt string) (r IPNet, err error) {
	if len(txt) == 0 {
		return r, nil
	}

	ip, ipNet, err := net.ParseCIDR(txt)
	if err != nil {
		return r, err
	}
	ipNet.IP = ip
	r.IPNet = *ipNet
	return
}

// MustParseIPNet parses a CIDR, panics if invalid
func MustParseIPNet(txt string) IPNet {
	r, err := ParseIPNet(txt)
	if err != nil {
		panic(err)
	}
	return r
}

// MustParseCIDR returns the network (host bits cleared) of txt, panics if invalid
func MustParseCIDR(txt string) *net.IPNet {
	_, n, err := net.ParseCIDR(txt)
	if err != nil {
		panic(err)
	}
	return n
}

// Nil returns true if IPNet is not set
func (i *IPNet) Nil() bool {
	return i.IP == nil && i.Mask == nil
}

func (i IPNet) String() string {
	if i.Nil() {
		return ""
	}
	return i.IPNet.String()
}

// UnmarshalYAML implements the yaml.Unmarshaler interface
func (i *IPNet) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseIPNet(s)
	if err != nil {
		return err
	}
	i.IPNet = v.IPNet
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface
func (i IPNet) MarshalYAML() (interface{}, error) {
	return i.String(), nil
}

// Endpoint is a host:port pair. Host is either an IP address or a node name
type Endpoint struct {
	Host string
	Port int
}

// ParseEndpoint parses host:port
func ParseEndpoint(s string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "invalid endpoint '%s'", s)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "invalid port in endpoint '%s'", s)
	}
	if err := ValidPort(p); err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Host: host, Port: p}, nil
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ValidPort checks p is a usable port number
func ValidPort(p int) error {
	if p <= 0 || p > 65535 {
		return fmt.Errorf("invalid port %d", p)
	}
	return nil
}
