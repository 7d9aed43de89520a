package anonymization

import (
	"fmt"
	"strings"
)

// CheckKAnonymity holds iff every group of records sharing the same
// quasi-identifier values has at least k members. Missing values form their own
// group value.
func CheckKAnonymity(records []map[string]interface{}, quasiIdentifiers []string, k int) bool {
	if k <= 1 {
		return true
	}
	for _, size := range GroupSizes(records, quasiIdentifiers) {
		if size < k {
			return false
		}
	}
	return true
}

// SmallestGroup returns 0 for an empty record set.
func SmallestGroup(records []map[string]interface{}, quasiIdentifiers []string) int {
	smallest := 0
	for _, size := range GroupSizes(records, quasiIdentifiers) {
		if smallest == 0 || size < smallest {
			smallest = size
		}
	}
	return smallest
}

func GroupSizes(records []map[string]interface{}, quasiIdentifiers []string) map[string]int {
	groups := make(map[string]int)
	for _, record := range records {
		groups[groupKey(record, quasiIdentifiers)]++
	}
	return groups
}

func groupKey(record map[string]interface{}, quasiIdentifiers []string) string {
	parts := make([]string, len(quasiIdentifiers))
	for i, qi := range quasiIdentifiers {
		value, ok := record[qi]
		if !ok || value == nil {
			parts[i] = "\x00"
			continue
		}
		parts[i] = fmt.Sprint(value)
	}
	return strings.Join(parts, "\x1f")
}

var coarserAgeBands = map[string]string{
	"20-29": "20-39",
	"30-39": "20-39",
	"40-49": "40-59",
	"50-59": "40-59",
}

// GeneralizeForKAnonymity applies a single coarsening pass: adjacent age bands
// merge and every non-capital region collapses into "other". Input records are
// not modified. Callers must re-check the result.
func GeneralizeForKAnonymity(records []map[string]interface{}, quasiIdentifiers []string) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(records))
	for _, record := range records {
		copied := make(map[string]interface{}, len(record))
		for k, v := range record {
			copied[k] = v
		}
		for _, qi := range quasiIdentifiers {
			value, ok := copied[qi].(string)
			if !ok {
				continue
			}
			switch qi {
			case KeyAgeGroup:
				if coarse, found := coarserAgeBands[value]; found {
					copied[qi] = coarse
				}
			case KeyRegionGroup:
				if value != RegionCapital {
					copied[qi] = RegionOther
				}
			}
		}
		out = append(out, copied)
	}
	return out
}
