package anonymization

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	KeyAge         = "age"
	KeyAgeGroup    = "age_group"
	KeyGender      = "gender"
	KeyRegion      = "region"
	KeyRegionGroup = "region_group"
	keyCity        = "city"

	RegionCapital = "capital"
	RegionOther   = "other"
)

// QuasiIdentifiers are the generalized demographic keys checked for k-anonymity.
var QuasiIdentifiers = []string{KeyAgeGroup, KeyGender, KeyRegionGroup}

type regionRule struct {
	match string
	group string
}

// Order matters: the first matching substring wins, so capital-area names are
// listed before cities that share a name with a capital-area district.
var regionRules = []regionRule{
	{"서울", RegionCapital}, {"경기", RegionCapital}, {"인천", RegionCapital},
	{"seoul", RegionCapital}, {"gyeonggi", RegionCapital}, {"incheon", RegionCapital},
	{"부산", "yeongnam"}, {"대구", "yeongnam"}, {"울산", "yeongnam"}, {"경상", "yeongnam"},
	{"경남", "yeongnam"}, {"경북", "yeongnam"},
	{"busan", "yeongnam"}, {"daegu", "yeongnam"}, {"ulsan", "yeongnam"}, {"gyeongsang", "yeongnam"},
	{"광주", "honam"}, {"전라", "honam"}, {"전남", "honam"}, {"전북", "honam"},
	{"gwangju", "honam"}, {"jeolla", "honam"},
	{"대전", "chungcheong"}, {"충청", "chungcheong"}, {"충남", "chungcheong"}, {"충북", "chungcheong"},
	{"세종", "chungcheong"}, {"daejeon", "chungcheong"}, {"chungcheong", "chungcheong"}, {"sejong", "chungcheong"},
	{"강원", "gangwon"}, {"gangwon", "gangwon"},
	{"제주", "jeju"}, {"jeju", "jeju"},
}

// DemographicPolicy lists raw keys that never leave the engine. Everything else
// that is not age or region passes through, with string values scrubbed.
type DemographicPolicy struct {
	Drop []string
}

func DefaultPolicy() DemographicPolicy {
	return DemographicPolicy{Drop: []string{
		"name", "first_name", "last_name", "email", "phone", "address",
		"birth_date", "dob", "date_of_birth", "ssn", "ip", "user_id",
	}}
}

func (p DemographicPolicy) drops(key string) bool {
	for _, d := range p.Drop {
		if strings.EqualFold(d, key) {
			return true
		}
	}
	return false
}

// GeneralizeDemographics buckets age and region and scrubs the remaining
// values. When several raw keys resolve to the same output key, the first in
// keyOrder wins.
func (e *Engine) GeneralizeDemographics(raw map[string]interface{}) map[string]interface{} {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keyOrder(keys[i], keys[j]) })

	out := make(map[string]interface{}, len(raw))
	for _, key := range keys {
		value := raw[key]
		lower := strings.ToLower(key)
		switch {
		case lower == KeyAge:
			if _, taken := out[KeyAgeGroup]; taken {
				continue
			}
			if age, ok := toAge(value); ok {
				out[KeyAgeGroup] = AgeBand(age)
			}
		case lower == KeyRegion || lower == keyCity:
			if _, taken := out[KeyRegionGroup]; taken || value == nil {
				continue
			}
			if s := strings.TrimSpace(fmt.Sprint(value)); s != "" {
				out[KeyRegionGroup] = RegionGroup(s)
			}
		case e.policy.drops(lower):
			// direct identifier
		default:
			if _, taken := out[lower]; taken {
				continue
			}
			if s, ok := value.(string); ok {
				out[lower] = e.ScrubText(s)
			} else {
				out[lower] = value
			}
		}
	}
	return out
}

// keyOrder ranks derived sources before pass-through keys, region before city
// and an exact lowercase key before its case variants.
func keyOrder(a, b string) bool {
	ta, tb := keyTier(a), keyTier(b)
	if ta != tb {
		return ta < tb
	}
	va, vb := a != strings.ToLower(a), b != strings.ToLower(b)
	if va != vb {
		return !va
	}
	return a < b
}

func keyTier(key string) int {
	switch strings.ToLower(key) {
	case KeyAge, KeyRegion:
		return 0
	case keyCity:
		return 1
	default:
		return 2
	}
}

// AgeBand maps an age to one of six ordered bands.
func AgeBand(age int) string {
	switch {
	case age < 20:
		return "<20"
	case age < 30:
		return "20-29"
	case age < 40:
		return "30-39"
	case age < 50:
		return "40-49"
	case age < 60:
		return "50-59"
	default:
		return "60+"
	}
}

func RegionGroup(region string) string {
	lower := strings.ToLower(region)
	for _, rule := range regionRules {
		if strings.Contains(lower, rule.match) {
			return rule.group
		}
	}
	return RegionOther
}

func toAge(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, v >= 0
	case int64:
		return int(v), v >= 0
	case float64:
		return int(v), v >= 0
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, n >= 0
	default:
		return 0, false
	}
}
