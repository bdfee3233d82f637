package nft

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/pkg/errors"
	"github.com/threefoldtech/pbr/pkg/network/rules"
)

const (
	// Family of the pbr table
	Family = "ip"
	// Table holding every rule installed by pbr
	Table = "pbr"

	// ChainDNAT holds the destination translations
	ChainDNAT = "prerouting"
	// ChainSNAT holds the masquerade rules
	ChainSNAT = "postrouting"
	// ChainMark holds the connection mark rules, it runs before the
	// destination translation so the original destination can be matched
	ChainMark = "mangle"

	tagPrefix = "pbr:"
)

var rulesTmpl = template.Must(template.New("pbr").Parse(_nft))

var _nft = `
table ip pbr {
  chain prerouting {
    type nat hook prerouting priority dstnat; policy accept;
  }

  chain postrouting {
    type nat hook postrouting priority srcnat; policy accept;
  }

  chain mangle {
    type filter hook prerouting priority mangle; policy accept;
  }
}
{{ range . }}
add rule ip pbr {{ .Chain }} {{ .Expr }} comment "{{ .Tag }}"
{{- end }}
`

// Rule is a rendered nft rule
type Rule struct {
	Chain string
	Expr  string
	Tag   string
}

// Tag returns the comment identifying the rule installed for cmd
func Tag(cmd rules.Command) string {
	sum := sha256.Sum256([]byte(cmd.Key()))
	return tagPrefix + hex.EncodeToString(sum[:8])
}

// Tagged checks if a chain listing contains the rule tagged with tag
func Tagged(listing, tag string) bool {
	return strings.Contains(listing, fmt.Sprintf("comment \"%s\"", tag))
}

// Handles reports whether cmd is installed through nft
func Handles(cmd rules.Command) bool {
	switch cmd.(type) {
	case rules.DNAT, rules.SNAT, rules.ConnMarkRule:
		return true
	}
	return false
}

// Build renders cmd into an nft rule
func Build(cmd rules.Command) (Rule, error) {
	var (
		chain string
		expr  string
	)

	switch c := cmd.(type) {
	case rules.DNAT:
		chain = ChainDNAT
		if c.Local {
			expr = fmt.Sprintf("fib daddr type local %s dport %d dnat to %s", c.Protocol, c.Port, c.To())
		} else {
			expr = fmt.Sprintf("ip daddr %s %s dport %d dnat to %s", c.Dst, c.Protocol, c.Port, c.To())
		}
	case rules.SNAT:
		chain = ChainSNAT
		expr = fmt.Sprintf("ip saddr %s masquerade", c.Src)
	case rules.ConnMarkRule:
		if c.Hook != rules.HookPrerouting {
			return Rule{}, errors.Errorf("unsupported hook '%s'", c.Hook)
		}
		chain = ChainMark
		var b strings.Builder
		if c.New {
			b.WriteString("ct state new")
		} else {
			b.WriteString("ct state != new")
		}
		if c.Src != nil {
			fmt.Fprintf(&b, " ip saddr %s", c.Src)
		}
		if c.Dst != nil {
			fmt.Fprintf(&b, " ip daddr %s", c.Dst)
		}
		switch c.Action {
		case rules.SetConnMark:
			fmt.Fprintf(&b, " ct mark set ct mark or %#x", c.Mark)
		case rules.RestoreMark:
			fmt.Fprintf(&b, " ct mark and %#x == %#x meta mark set ct mark", c.Mask, c.Mark)
		default:
			return Rule{}, errors.Errorf("unsupported mark action '%s'", c.Action)
		}
		expr = b.String()
	default:
		return Rule{}, errors.Errorf("command %s is not an nft rule", cmd.Kind())
	}

	return Rule{Chain: chain, Expr: expr, Tag: Tag(cmd)}, nil
}

// Render writes the nft script that creates the pbr table and adds the
// rules of cmds
func Render(w io.Writer, cmds ...rules.Command) error {
	out := make([]Rule, 0, len(cmds))
	for _, cmd := range cmds {
		r, err := Build(cmd)
		if err != nil {
			return err
		}
		out = append(out, r)
	}

	if err := rulesTmpl.Execute(w, out); err != nil {
		return errors.Wrap(err, "failed to build nft rule set")
	}
	return nil
}
