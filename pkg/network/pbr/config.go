package pbr

import (
	"math"

	"github.com/pkg/errors"
	"github.com/threefoldtech/pbr/pkg/network/rules"
)

const (
	// DefaultTableBase is the id of the table of the first ingress segment
	DefaultTableBase = 200
	// DefaultPriorityBase is the priority of the first policy rule
	DefaultPriorityBase = 200
	// DefaultPriorityStep is the distance between two consecutive rules
	DefaultPriorityStep = 10
	// DefaultMarkBase is the connection mark bit of the first ingress segment
	DefaultMarkBase = 0x2000

	// kernel main rule priority, policy rules must stay below it
	maxPriority = 32765
)

// Config of the policy routing compiler. Zero fields take the defaults
type Config struct {
	TableBase    int    `yaml:"table_base"`
	PriorityBase int    `yaml:"priority_base"`
	PriorityStep int    `yaml:"priority_step"`
	MarkBase     uint32 `yaml:"mark_base"`
}

// DefaultConfig returns the default compiler config
func DefaultConfig() Config {
	return Config{
		TableBase:    DefaultTableBase,
		PriorityBase: DefaultPriorityBase,
		PriorityStep: DefaultPriorityStep,
		MarkBase:     DefaultMarkBase,
	}
}

// WithDefaults returns a copy of c where unset fields hold the default
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.TableBase == 0 {
		c.TableBase = def.TableBase
	}
	if c.PriorityBase == 0 {
		c.PriorityBase = def.PriorityBase
	}
	if c.PriorityStep == 0 {
		c.PriorityStep = def.PriorityStep
	}
	if c.MarkBase == 0 {
		c.MarkBase = def.MarkBase
	}
	return c
}

// Valid checks the config
func (c Config) Valid() error {
	if c.TableBase <= 0 || c.TableBase > math.MaxInt32 {
		return errors.Errorf("invalid table base %d", c.TableBase)
	}
	if rules.ReservedTable(c.TableBase) {
		return errors.Wrapf(rules.ErrDuplicateOrConflictingRule, "table base %d is a kernel table", c.TableBase)
	}
	if c.PriorityBase <= 0 || c.PriorityBase > maxPriority {
		return errors.Errorf("invalid priority base %d", c.PriorityBase)
	}
	if c.PriorityStep <= 0 {
		return errors.Errorf("invalid priority step %d", c.PriorityStep)
	}
	if c.MarkBase&(c.MarkBase-1) != 0 {
		return errors.Errorf("mark base %#x is not a single bit", c.MarkBase)
	}
	return nil
}

// priorities of the rules of ingress segment i: suppress, source, mark
func (c Config) priorities(i int) (int, int, int) {
	p := c.PriorityBase + 3*i*c.PriorityStep
	return p, p + c.PriorityStep, p + 2*c.PriorityStep
}

func (c Config) mark(i int) (uint32, error) {
	v := uint64(c.MarkBase) << uint(i)
	if v > math.MaxUint32 {
		return 0, errors.Wrapf(ErrTooManyIngressSegments, "mark of ingress segment %d overflows 32 bits", i)
	}
	return uint32(v), nil
}
