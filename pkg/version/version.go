package version

import (
	"fmt"
	"regexp"
	"strings"
)

// Build information, replaced at link time with
// -ldflags "-X github.com/threefoldtech/pbr/pkg/version.Branch=..."
var (
	// Branch of the code
	Branch = "{branch}"
	// Revision of the code
	Revision = "{revision}"
	// Dirty is not empty when the binary is built from a repo with
	// uncommitted changes
	Dirty = "{dirty}"
)

var (
	re = regexp.MustCompile(`^Version:([^@]*)@Revision:([^\(]+)`)
)

// Version of the binary
type Version interface {
	Short() string
	String() string
}

type version struct {
	branch, revision, dirty string
}

func (v version) String() string {
	s := fmt.Sprintf("Version: %s @Revision: %s", v.branch, v.revision)
	if v.dirty != "" {
		s += " (dirty-repo)"
	}

	return s
}

func (v version) Short() string {
	rev := v.revision
	if len(rev) > 7 {
		rev = rev[:7]
	}
	s := fmt.Sprintf("%s@%s", v.branch, rev)
	if v.dirty != "" {
		s += "(D)"
	}
	return s
}

// Current version of the binary
func Current() Version {
	return version{branch: Branch, revision: Revision, dirty: Dirty}
}

// Parse a version string as printed by Version.String
func Parse(v string) (branch string, revision string, err error) {
	m := re.FindStringSubmatch(v)
	if m == nil {
		return branch, revision, fmt.Errorf("invalid version string")
	}

	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), nil
}
