// Package config loads the declarative description of a lab: its topology,
// the exposed services and the policy routing settings.
package config

import (
	_ "embed"
	"os"

	"github.com/pkg/errors"
	"github.com/threefoldtech/pbr/pkg/network/compiler"
	"github.com/threefoldtech/pbr/pkg/network/exposure"
	"github.com/threefoldtech/pbr/pkg/network/pbr"
	"github.com/threefoldtech/pbr/pkg/network/rules"
	"github.com/threefoldtech/pbr/pkg/network/topology"
	"gopkg.in/yaml.v2"
)

//go:embed example.yaml
var example []byte

// File is the content of a config file
type File struct {
	Segments  []topology.SegmentSpec `yaml:"segments"`
	Nodes     []topology.NodeSpec    `yaml:"nodes"`
	Links     []topology.LinkSpec    `yaml:"links"`
	Exposures []exposure.Declaration `yaml:"exposures"`
	// IngressSegments receive exposed traffic, defaults to the segments
	// of the loadBalancer addresses
	IngressSegments []string   `yaml:"ingress_segments"`
	Policy          pbr.Config `yaml:"policy"`
}

// Example returns the config of the reference lab
func Example() []byte {
	out := make([]byte, len(example))
	copy(out, example)
	return out
}

// Parse decodes a config. Unknown fields are rejected
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}

	if len(f.Segments) == 0 {
		return nil, errors.New("config has no segments")
	}
	if len(f.Nodes) == 0 {
		return nil, errors.New("config has no nodes")
	}

	return &f, nil
}

// Load reads the config at path
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config '%s'", path)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config '%s'", path)
	}
	return f, nil
}

// LoadOrExample reads the config at path, or the example config when
// path is empty
func LoadOrExample(path string) (*File, error) {
	if path == "" {
		return Parse(example)
	}
	return Load(path)
}

// Plan builds the topology of the config
func (f *File) Plan() (*topology.Plan, error) {
	return topology.Build(f.Segments, f.Nodes, f.Links)
}

// Input builds the compiler input of the config
func (f *File) Input() (compiler.Input, error) {
	plan, err := f.Plan()
	if err != nil {
		return compiler.Input{}, err
	}

	return compiler.Input{
		Plan:      plan,
		Exposures: f.Exposures,
		Ingress:   f.IngressSegments,
		Policy:    f.Policy,
	}, nil
}

// Compile compiles the rule set of the config
func (f *File) Compile() (*topology.Plan, *rules.RuleSet, error) {
	in, err := f.Input()
	if err != nil {
		return nil, nil, err
	}

	set, err := compiler.Compile(in)
	if err != nil {
		return nil, nil, err
	}
	return in.Plan, set, nil
}
