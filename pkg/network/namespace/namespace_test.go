package namespace

import (
	"os"
	"testing"

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

func requireRoot(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
}

func TestPath(t *testing.T) {
	assert.Equal(t, "/var/run/netns/host0", Path("host0"))
}

func TestCreateNetNS(t *testing.T) {
	requireRoot(t)

	name := "pbrtestns"
	_, err := Create(name)
	require.NoError(t, err)
	assert.True(t, Exists(name))

	_, err = os.Stat(Path(name))
	assert.NoError(t, err)

	// create is idempotent
	_, err = Create(name)
	require.NoError(t, err)

	require.NoError(t, Delete(name))
	assert.False(t, Exists(name))

	// so is delete
	require.NoError(t, Delete(name))
}

func TestNamespaceIsolation(t *testing.T) {
	requireRoot(t)

	name := "pbrtestiso"
	netNS, err := Create(name)
	require.NoError(t, err)
	defer func() {
		_ = Delete(name)
	}()

	err = netNS.Do(func(_ ns.NetNS) error {
		links, err := netlink.LinkList()
		if err != nil {
			return err
		}
		assert.Len(t, links, 1)

		lo, err := netlink.LinkByName("lo")
		if err != nil {
			return err
		}
		assert.NotZero(t, lo.Attrs().Flags&1)
		return nil
	})
	require.NoError(t, err)
}
