package ifaceutil

import (
	"crypto/sha256"
	"fmt"
	"net"
)

const hwAddrLen = 6

// HardwareAddr returns a deterministic, locally administered unicast hardware
// address for the interface iface of node. The same input always produces
// the same address so neighbor entries derived from it are reproducible
func HardwareAddr(node, iface string) net.HardwareAddr {
	return HardwareAddrFromInputBytes([]byte(fmt.Sprintf("%s/%s", node, iface)))
}

// HardwareAddrFromInputBytes returns a deterministic hardware address
// for a given byte slice.
func HardwareAddrFromInputBytes(b []byte) net.HardwareAddr {
	sum := sha256.Sum256(b)
	for offset := 0; offset+hwAddrLen <= len(sum); offset++ {
		addr := make(net.HardwareAddr, hwAddrLen)
		copy(addr, sum[offset:offset+hwAddrLen])
		// local bit set, multicast bit cleared
		addr[0] = (addr[0] | 0x02) & 0xfe
		if usable(addr) {
			return addr
		}
	}
	// rehash, an all zero or all ones tail in every window is practically impossible
	return HardwareAddrFromInputBytes(sum[:])
}

// usable rejects the ipv6 multicast prefix and the all-ones tail
func usable(addr net.HardwareAddr) bool {
	if addr[0] == 0x33 && addr[1] == 0x33 {
		return false
	}
	for _, b := range addr[1:] {
		if b != 0xff {
			return true
		}
	}
	return false
}
