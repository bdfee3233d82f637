package ifaceutil

import (
	"fmt"
	"net"
	"os"

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"
)

// Bridge creates the bridge name if needed and sets it up
func Bridge(name string) (*netlink.Bridge, error) {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	attrs.MTU = 1500
	bridge := &netlink.Bridge{LinkAttrs: attrs}

	if err := netlink.LinkAdd(bridge); err != nil && !os.IsExist(err) {
		return nil, errors.Wrapf(err, "failed to create bridge %s", name)
	}

	// get the bridge object from the kernel now
	l, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("could not lookup %q: %v", name, err)
	}

	br, ok := l.(*netlink.Bridge)
	if !ok {
		return nil, fmt.Errorf("%q already exists but is not a bridge", name)
	}

	if err := netlink.LinkSetUp(br); err != nil {
		return nil, err
	}
	return br, nil
}

// Veth creates a veth pair. The end name is attached to master and set up,
// the peer end is returned down, ready to be moved to a namespace
func Veth(name, peer string, master *netlink.Bridge) (netlink.Link, error) {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{
			Name: name,
			MTU:  master.Attrs().MTU,
		},
		PeerName: peer,
	}

	if err := netlink.LinkAdd(veth); err != nil {
		return nil, errors.Wrapf(err, "failed to create veth %s", name)
	}

	var err error
	defer func() {
		if err != nil {
			_ = netlink.LinkDel(veth)
		}
	}()

	if err = netlink.LinkSetMaster(veth, master); err != nil {
		return nil, err
	}
	if err = netlink.LinkSetUp(veth); err != nil {
		return nil, errors.Wrapf(err, "could not set veth %s up", name)
	}

	var peerLink netlink.Link
	peerLink, err = netlink.LinkByName(peer)
	if err != nil {
		return nil, err
	}
	return peerLink, nil
}

// Config is the configuration of a link moved into a node namespace
type Config struct {
	Name         string
	HardwareAddr net.HardwareAddr
	Address      *net.IPNet
}

// Plug moves link into netNS, renames it and assigns its mac and address
// before setting it up
func Plug(link netlink.Link, netNS ns.NetNS, cfg Config) error {
	if err := netlink.LinkSetNsFd(link, int(netNS.Fd())); err != nil {
		return errors.Wrapf(err, "failed to move %s to namespace", link.Attrs().Name)
	}

	return netNS.Do(func(_ ns.NetNS) error {
		l, err := netlink.LinkByName(link.Attrs().Name)
		if err != nil {
			return err
		}
		if l.Attrs().Name != cfg.Name {
			if err := netlink.LinkSetName(l, cfg.Name); err != nil {
				return errors.Wrapf(err, "failed to rename %s to %s", l.Attrs().Name, cfg.Name)
			}
		}
		if len(cfg.HardwareAddr) != 0 {
			if err := netlink.LinkSetHardwareAddr(l, cfg.HardwareAddr); err != nil {
				return errors.Wrapf(err, "failed to set mac of %s", cfg.Name)
			}
		}
		if cfg.Address != nil {
			addr := &netlink.Addr{IPNet: cfg.Address}
			if err := netlink.AddrReplace(l, addr); err != nil {
				return errors.Wrapf(err, "failed to set address %s on %s", cfg.Address, cfg.Name)
			}
		}

		log.Debug().Str("link", cfg.Name).Stringer("addr", cfg.Address).Msg("link plugged")
		return netlink.LinkSetUp(l)
	})
}

// Exists test check if the named interface exists
// if netNS is not nil switch in the network namespace
// before checking
func Exists(name string, netNS ns.NetNS) bool {
	_, err := Get(name, netNS)
	return err == nil
}

// Get link by name from optional namespace
func Get(name string, netNS ns.NetNS) (link netlink.Link, err error) {
	if netNS != nil {
		err = netNS.Do(func(_ ns.NetNS) error {
			link, err = netlink.LinkByName(name)
			return err
		})

		return
	}

	link, err = netlink.LinkByName(name)
	return
}

// Delete deletes the named interface, a missing interface is not an
// error. If netNS is not nil it switches into the namespace first
func Delete(name string, netNS ns.NetNS) error {
	del := func(_ ns.NetNS) error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			if _, ok := err.(netlink.LinkNotFoundError); ok {
				return nil
			}
			return err
		}
		return netlink.LinkDel(link)
	}

	if netNS != nil {
		return netNS.Do(del)
	}
	return del(nil)
}
