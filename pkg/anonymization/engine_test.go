package anonymization

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(opts...)
	require.NoError(t, err)
	return e
}

func TestHashIdentifierDeterministicPerEngine(t *testing.T) {
	a := newTestEngine(t)
	b := newTestEngine(t)

	first := a.HashIdentifier("user-42")
	assert.Equal(t, first, a.HashIdentifier("user-42"))
	assert.Len(t, first, 16)
	assert.NotEqual(t, first, b.HashIdentifier("user-42"))
	assert.NotEqual(t, first, a.HashIdentifier("user-43"))
}

func TestHashIdentifierPinnedSalt(t *testing.T) {
	a := newTestEngine(t, WithSalt("fixed-salt"))
	b := newTestEngine(t, WithSalt("fixed-salt"))
	assert.Equal(t, a.HashIdentifier("user-42"), b.HashIdentifier("user-42"))
}

func TestAgeBand(t *testing.T) {
	cases := map[int]string{
		0: "<20", 19: "<20", 20: "20-29", 29: "20-29", 30: "30-39",
		45: "40-49", 59: "50-59", 60: "60+", 91: "60+",
	}
	for age, want := range cases {
		assert.Equal(t, want, AgeBand(age), "age %d", age)
	}
}

func TestRegionGroup(t *testing.T) {
	assert.Equal(t, RegionCapital, RegionGroup("서울특별시 강남구"))
	assert.Equal(t, RegionCapital, RegionGroup("Incheon"))
	assert.Equal(t, "yeongnam", RegionGroup("부산광역시"))
	assert.Equal(t, "honam", RegionGroup("광주"))
	assert.Equal(t, "jeju", RegionGroup("Jeju-si"))
	assert.Equal(t, RegionOther, RegionGroup("Toronto"))
}

func TestGeneralizeDemographics(t *testing.T) {
	e := newTestEngine(t)
	out := e.GeneralizeDemographics(map[string]interface{}{
		"age":        float64(34),
		"Gender":     "female",
		"city":       "서울",
		"email":      "jane@example.com",
		"occupation": "nurse, call 010-1234-5678",
		"sessions":   3,
	})

	assert.Equal(t, "30-39", out[KeyAgeGroup])
	assert.Equal(t, RegionCapital, out[KeyRegionGroup])
	assert.Equal(t, "female", out[KeyGender])
	assert.Equal(t, 3, out["sessions"])
	assert.NotContains(t, out, "email")
	assert.NotContains(t, out, "age")
	assert.NotContains(t, out, "city")
	assert.Equal(t, "nurse, call [PHONE]", out["occupation"])
}

func TestGeneralizeDemographicsResolvesCollidingKeys(t *testing.T) {
	e := newTestEngine(t)
	raw := map[string]interface{}{
		"region":    "Seoul",
		"city":      "Busan",
		"City":      "Gwangju",
		"Age":       72,
		"age":       25,
		"Gender":    "male",
		"gender":    "female",
		"age_group": "30-39",
	}
	for i := 0; i < 200; i++ {
		out := e.GeneralizeDemographics(raw)
		require.Equal(t, RegionCapital, out[KeyRegionGroup])
		require.Equal(t, "20-29", out[KeyAgeGroup])
		require.Equal(t, "female", out[KeyGender])
	}

	out := e.GeneralizeDemographics(map[string]interface{}{"City": "Gwangju", "city": "Busan"})
	assert.Equal(t, "yeongnam", out[KeyRegionGroup])

	out = e.GeneralizeDemographics(map[string]interface{}{"age": "unknown", "Age": 45})
	assert.Equal(t, "40-49", out[KeyAgeGroup])
}

func TestGeneralizeDemographicsIgnoresUnparseableAge(t *testing.T) {
	e := newTestEngine(t)
	out := e.GeneralizeDemographics(map[string]interface{}{"age": "unknown", "region": nil})
	assert.Empty(t, out)
}

func TestScrubText(t *testing.T) {
	e := newTestEngine(t)

	scrubbed := e.ScrubText("Contact Dr. Smith at john@example.com or 555-123-4567 on 2024-03-15.")
	assert.Contains(t, scrubbed, "[NAME]")
	assert.Contains(t, scrubbed, "[EMAIL]")
	assert.Contains(t, scrubbed, "[PHONE]")
	assert.Contains(t, scrubbed, "[DATE]")
	assert.NotContains(t, scrubbed, "Smith")
	assert.NotContains(t, scrubbed, "john@example.com")

	korean := e.ScrubText("김철수님 2024년 3월 15일 상담 예정")
	assert.Contains(t, korean, "[NAME]님")
	assert.Contains(t, korean, "[DATE]")
	assert.NotContains(t, korean, "김철수")

	assert.Equal(t, "nothing to hide", e.ScrubText("nothing to hide"))
}

func TestScrubberCountsByType(t *testing.T) {
	s, err := NewScrubber(DefaultRules())
	require.NoError(t, err)

	_, counts := s.Scrub("a@b.com, c@d.org and 123-45-6789")
	assert.Equal(t, 2, counts["email"])
	assert.Equal(t, 1, counts["national_id"])
}

func TestNewScrubberRejectsBadPattern(t *testing.T) {
	_, err := NewScrubber(RulesConfig{Rules: []Rule{{Name: "broken", Pattern: "(", Enabled: true}}})
	assert.Error(t, err)
}

func TestLoadRules(t *testing.T) {
	cfg, err := LoadRules("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRules(), cfg)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := "rules:\n  - name: MRN\n    type: mrn\n    pattern: 'MRN-\\d+'\n    mask: '[MRN]'\n    enabled: true\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err = LoadRules(path)
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 1)

	s, err := NewScrubber(cfg)
	require.NoError(t, err)
	masked, _ := s.Scrub("patient MRN-12345")
	assert.Equal(t, "patient [MRN]", masked)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("rules: []\n"), 0o600))
	_, err = LoadRules(empty)
	assert.Error(t, err)
}
