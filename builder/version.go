package builder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Version identifies one build of a dataset. Ordering is lexicographic on
// (major, minor, patch); the experiment overrides do not participate in
// ordering or equality.
type Version struct {
	Major int
	Minor int
	Patch int

	// Experiments holds explicit per-version overrides. Experiments not
	// listed here take their default for this version.
	Experiments map[Experiment]bool
}

// ParseVersion parses a "major.minor.patch" string.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("builder: version %q: want major.minor.patch", s)
	}
	var nums [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || (len(part) > 1 && part[0] == '0') {
			return Version{}, fmt.Errorf("builder: version %q: bad component %q", s, part)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustVersion is ParseVersion for static dataset versions; it panics on a
// malformed string.
func MustVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare orders versions lexicographically on (major, minor, patch),
// returning -1, 0 or 1.
func (v Version) Compare(o Version) int {
	for _, d := range [3]int{v.Major - o.Major, v.Minor - o.Minor, v.Patch - o.Patch} {
		switch {
		case d < 0:
			return -1
		case d > 0:
			return 1
		}
	}
	return 0
}

// WithExperiment returns a copy of the version carrying an explicit override
// for one experiment.
func (v Version) WithExperiment(e Experiment, enabled bool) Version {
	overrides := make(map[Experiment]bool, len(v.Experiments)+1)
	for k, val := range v.Experiments {
		overrides[k] = val
	}
	overrides[e] = enabled
	v.Experiments = overrides
	return v
}

func (v Version) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *Version) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("builder: version: %w", err)
	}
	parsed, err := ParseVersion(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Experiment gates optional builder behavior per dataset version, so old
// versions keep rebuilding byte-for-byte the way they were first built.
type Experiment int

const (
	// ExperimentLiquidShards lets a split omit its shard count and have the
	// writer roll shards by accumulated size. Default on since 1.0.0.
	ExperimentLiquidShards Experiment = iota + 1
	// ExperimentShardHashes records each shard file's SHA-256 in the
	// manifest. Default on since 2.0.0.
	ExperimentShardHashes
)

// introducedIn maps each experiment to the version at which its default
// flipped on.
var introducedIn = map[Experiment]Version{
	ExperimentLiquidShards: {Major: 1},
	ExperimentShardHashes:  {Major: 2},
}

func (e Experiment) String() string {
	switch e {
	case ExperimentLiquidShards:
		return "liquid_shards"
	case ExperimentShardHashes:
		return "shard_hashes"
	default:
		return fmt.Sprintf("experiment(%d)", int(e))
	}
}

// ExperimentEnabled resolves one experiment for this version: an explicit
// override wins, otherwise the experiment is on for versions at or past its
// introduction.
func (v Version) ExperimentEnabled(e Experiment) bool {
	if enabled, ok := v.Experiments[e]; ok {
		return enabled
	}
	intro, ok := introducedIn[e]
	if !ok {
		return false
	}
	return v.Compare(intro) >= 0
}
