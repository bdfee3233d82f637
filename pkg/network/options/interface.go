package options

import (
	"fmt"

	"github.com/containernetworking/plugins/pkg/utils/sysctl"
	"github.com/rs/zerolog/log"
	"github.com/threefoldtech/pbr/pkg/network/types"
)

// Option interface
type Option interface {
	apply(link string) error
}

// Set link options
func Set(link string, option ...Option) error {
	for _, opt := range option {
		if err := opt.apply(link); err != nil {
			return err
		}
	}

	return nil
}

type sysOption struct {
	key string
	val string
}

func (s *sysOption) apply(inf string) error {
	key := fmt.Sprintf(s.key, inf)
	log.Debug().Str("key", key).Str("value", s.val).Msg("sysctl")
	_, err := sysctl.Sysctl(key, s.val)
	return err
}

// IPv6Disable disabled Ipv6 on interface
func IPv6Disable(f bool) Option {
	return &sysOption{
		key: "net/ipv6/conf/%s/disable_ipv6",
		val: flag(f),
	}
}

// RPFilter sets the reverse path filter mode of the interface. The
// interface "all" sets the floor of every interface
func RPFilter(mode types.RPFMode) Option {
	return &sysOption{
		key: "net/ipv4/conf/%s/rp_filter",
		val: fmt.Sprint(int(mode)),
	}
}

// SrcValidMark makes the reverse path filter use the packet mark
func SrcValidMark(f bool) Option {
	return &sysOption{
		key: "net/ipv4/conf/%s/src_valid_mark",
		val: flag(f),
	}
}
