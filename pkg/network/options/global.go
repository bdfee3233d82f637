/*
Package options abstract setting common networking sys flags on the selected namespaces
*/
package options

import (
	"github.com/containernetworking/plugins/pkg/utils/sysctl"
	"github.com/rs/zerolog/log"
)

func flag(t bool) string {
	if t {
		return "1"
	}

	return "0"
}

// SetIPv4Forwarding enables or disables forwarding for ipv4 in the
// current namespace
func SetIPv4Forwarding(f bool) error {
	log.Debug().Bool("enabled", f).Msg("ipv4 forwarding")
	_, err := sysctl.Sysctl("net.ipv4.ip_forward", flag(f))
	return err
}
