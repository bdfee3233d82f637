// Package namespace manages the named network namespaces holding the
// nodes of an emulated topology.
package namespace

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

const (
	netNSPath = "/var/run/netns"
)

// Path returns the bind mount path of the named namespace
func Path(name string) string {
	return filepath.Join(netNSPath, name)
}

// Create creates a new named network namespace and bind mount
// its file descriptor to /var/run/netns/{name}
func Create(name string) (ns.NetNS, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if Exists(name) {
		return ns.GetNS(Path(name))
	}

	origin, err := netns.Get()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = netns.Set(origin)
		origin.Close()
	}()

	// create a network namespace
	nsHandle, err := netns.New()
	if err != nil {
		return nil, err
	}
	defer nsHandle.Close()

	nsPath, err := mountBindNetNS(name)
	if err != nil {
		return nil, err
	}

	netNS, err := ns.GetNS(nsPath)
	if err != nil {
		return nil, err
	}

	if err := netNS.Do(func(_ ns.NetNS) error {
		return setLoUp()
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to bring lo up in %s", name)
	}
	return netNS, nil
}

// Delete deletes a network namespace
func Delete(name string) error {
	path := Path(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if err := syscall.Unmount(path, syscall.MNT_DETACH); err != nil {
		return errors.Wrapf(err, "failed to unmount %s", path)
	}

	if err := os.Remove(path); err != nil {
		return err
	}

	return nil
}

// Exists checks if a network namespace exists or not
func Exists(name string) bool {
	h, err := netns.GetFromName(name)
	if err != nil {
		return false
	}
	h.Close()
	return true
}

// GetByName return a namespace by its name
func GetByName(name string) (ns.NetNS, error) {
	netNS, err := ns.GetNS(Path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "namespace %s not found", name)
	}
	return netNS, nil
}

func mountBindNetNS(name string) (string, error) {
	if err := os.MkdirAll(netNSPath, 0755); err != nil {
		return "", err
	}

	nsPath := Path(name)
	if err := touch(nsPath); err != nil {
		return "", err
	}

	src := fmt.Sprintf("/proc/self/task/%d/ns/net", syscall.Gettid())
	log.Debug().
		Str("src", src).
		Str("dest", nsPath).
		Msg("bind mount")

	if err := syscall.Mount(src, nsPath, "bind", syscall.MS_BIND, ""); err != nil {
		os.Remove(nsPath)
		return "", err
	}
	return nsPath, nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, 0444)
	if err != nil {
		return err
	}
	return f.Close()
}

func setLoUp() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(lo)
}
