package groupmgr

import (
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	// MaxCores is the hard upper bound on accelerator cores, per group and
	// in total.
	MaxCores = 64
	MinCores = 0
)

// GroupSpec is one parsed topology entry: a core-group reservation request.
type GroupSpec struct {
	CoreCount   int
	Duplication int
}

// ParseTopology parses a core-group topology specification: a
// comma-separated list of entries, each either a bare core count or a
// "DxC" pair (duplication factor x core count), optionally wrapped in
// brackets, e.g. "[2x1,2]". Every value must lie within [0,64] and the
// total reserved core count may not exceed 64. Any malformed entry
// discards the whole list; the caller falls back to the default topology
// in that case.
func ParseTopology(spec string) ([]GroupSpec, bool) {
	spec = strings.ReplaceAll(spec, "[", "")
	spec = strings.ReplaceAll(spec, "]", "")
	var out []GroupSpec
	totalCores := 0
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if len(out) >= MaxCores {
			break
		}
		dup := 1
		if idx := strings.Index(entry, "x"); idx >= 0 {
			d, err := strconv.Atoi(entry[:idx])
			if err != nil {
				return nil, false
			}
			dup = d
			entry = entry[idx+1:]
		}
		cores, err := strconv.Atoi(entry)
		if err != nil {
			return nil, false
		}
		if cores < MinCores || cores > MaxCores || dup <= 0 || dup > MaxCores {
			return nil, false
		}
		totalCores += cores * dup
		if totalCores > MaxCores {
			return nil, false
		}
		out = append(out, GroupSpec{CoreCount: cores, Duplication: dup})
	}
	return out, len(out) > 0
}

// PlanSource tells where a topology plan came from.
type PlanSource int

const (
	// PlanConfigured: the configured specification parsed cleanly.
	PlanConfigured PlanSource = iota
	// PlanDefault: no specification was configured.
	PlanDefault
	// PlanFallback: the specification was malformed and discarded whole.
	PlanFallback
)

// PlanTopology resolves a topology specification to the group list that
// initialization will attempt, applying the whole-spec fallback rule.
func PlanTopology(spec string, optSize, maxDuplicates int) ([]GroupSpec, PlanSource) {
	if spec == "" {
		return defaultTopology(optSize, maxDuplicates), PlanDefault
	}
	specs, ok := ParseTopology(spec)
	if !ok {
		return defaultTopology(optSize, maxDuplicates), PlanFallback
	}
	return specs, PlanConfigured
}

// defaultTopology is the fallback when no topology is configured or the
// configured one is malformed. A requested default size of 1 splits one
// full accelerator into four 1-core groups, 2 into two 2-core groups;
// anything else asks for a single group of the requested size (searched
// downward at init time when it cannot be reserved). Duplication only
// applies to the 1-core split, the sole shape duplication mode supports.
func defaultTopology(optSize, maxDuplicates int) []GroupSpec {
	dup := 1
	if maxDuplicates > 1 && maxDuplicates <= MaxCores {
		dup = maxDuplicates
	}
	switch optSize {
	case 1:
		return []GroupSpec{{1, dup}, {1, dup}, {1, dup}, {1, dup}}
	case 2:
		return []GroupSpec{{2, 1}, {2, 1}}
	default:
		if optSize < MinCores || optSize > MaxCores {
			log.Warnf("requested default core group size %d is out of range, "+
				"searching for the largest reservable group", optSize)
			return []GroupSpec{{MaxCores, 1}}
		}
		return []GroupSpec{{optSize, 1}}
	}
}
