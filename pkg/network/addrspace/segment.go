// Package addrspace hands out addresses of a network segment in a
// deterministic way so compiled topologies can be diffed across runs.
package addrspace

import (
	"math"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/pkg/errors"
)

const (
	// DefaultStartOffset is the index of the first address Next will consider
	DefaultStartOffset = 10
	// DefaultGatewayOffset is the index of the gateway address (first usable address)
	DefaultGatewayOffset = 1
)

var (
	// ErrAddressExhausted is returned by Next when the segment has no free address left
	ErrAddressExhausted = errors.New("address space exhausted")
	// ErrOutsideSegment is returned when claiming an address that is not part of the segment
	ErrOutsideSegment = errors.New("address outside of segment")
	// ErrAddressInUse is returned when claiming an address twice
	ErrAddressInUse = errors.New("address already in use")
)

// Option configures a Segment
type Option func(*Segment)

// WithStartOffset sets the index of the first address returned by Next
func WithStartOffset(n int) Option {
	return func(s *Segment) {
		s.start = n
	}
}

// WithGatewayOffset sets the index of the gateway address
func WithGatewayOffset(n int) Option {
	return func(s *Segment) {
		s.gwOffset = n
	}
}

// Segment allocates unique addresses from a CIDR block
type Segment struct {
	name     string
	network  *net.IPNet
	gateway  net.IP
	gwOffset int
	start    int
	cursor   int
	last     int
	used     map[string]struct{}
}

// New creates a segment allocator for network
func New(name string, network *net.IPNet, opts ...Option) (*Segment, error) {
	if network == nil {
		return nil, errors.Errorf("segment %s has no network", name)
	}

	n := &net.IPNet{IP: network.IP.Mask(network.Mask), Mask: network.Mask}
	if ip4 := n.IP.To4(); ip4 != nil {
		n.IP = ip4
	}

	s := &Segment{
		name:     name,
		network:  n,
		start:    DefaultStartOffset,
		gwOffset: DefaultGatewayOffset,
		used:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.last = lastUsable(n)

	if s.gwOffset < 0 || s.gwOffset > s.last {
		return nil, errors.Errorf("gateway offset %d out of range for segment %s (%s)", s.gwOffset, name, n)
	}
	if s.start < 1 {
		return nil, errors.Errorf("start offset %d out of range for segment %s (%s)", s.start, name, n)
	}

	gw, err := cidr.Host(n, s.gwOffset)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compute gateway of segment %s", name)
	}
	s.gateway = gw
	s.cursor = s.start

	return s, nil
}

// lastUsable returns the index of the last address that can be issued.
// The ipv4 broadcast address is excluded unless the prefix is /31 or /32
func lastUsable(n *net.IPNet) int {
	count := cidr.AddressCount(n)
	ones, bits := n.Mask.Size()
	last := count - 1
	if bits == 32 && ones < 31 {
		last = count - 2
	}
	if last > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(last)
}

// Name of the segment
func (s *Segment) Name() string {
	return s.name
}

// Network returns a copy of the segment network
func (s *Segment) Network() *net.IPNet {
	return &net.IPNet{
		IP:   append(net.IP(nil), s.network.IP...),
		Mask: append(net.IPMask(nil), s.network.Mask...),
	}
}

// Gateway returns the reserved gateway address of the segment
func (s *Segment) Gateway() net.IP {
	return append(net.IP(nil), s.gateway...)
}

// Contains checks if ip is part of the segment
func (s *Segment) Contains(ip net.IP) bool {
	return s.network.Contains(ip)
}

// Next returns the next free address in ascending order
func (s *Segment) Next() (net.IP, error) {
	for ; s.cursor <= s.last; s.cursor++ {
		ip, err := cidr.Host(s.network, s.cursor)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compute address %d of segment %s", s.cursor, s.name)
		}
		if ip.Equal(s.gateway) {
			continue
		}
		if _, ok := s.used[ip.String()]; ok {
			continue
		}

		s.used[ip.String()] = struct{}{}
		s.cursor++
		return ip, nil
	}

	return nil, errors.Wrapf(ErrAddressExhausted, "segment %s (%s)", s.name, s.network)
}

// Claim marks an explicit address as used so Next never returns it.
// The gateway can be claimed (once) by the node routing the segment
func (s *Segment) Claim(ip net.IP) error {
	if !s.network.Contains(ip) {
		return errors.Wrapf(ErrOutsideSegment, "%s is not in segment %s (%s)", ip, s.name, s.network)
	}
	key := ip.String()
	if _, ok := s.used[key]; ok {
		return errors.Wrapf(ErrAddressInUse, "%s in segment %s", ip, s.name)
	}
	s.used[key] = struct{}{}
	return nil
}
