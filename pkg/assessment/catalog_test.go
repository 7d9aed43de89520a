package assessment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreSeverityBoundaries(t *testing.T) {
	cat := DefaultCatalog()

	s, err := cat.Score("PHQ-9", []int{3, 0, 0, 0, 0, 0, 0, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 27, s.MaxScore)
	assert.Equal(t, "minimal", s.Severity)

	s, err = cat.Score("PHQ-9", []int{3, 0, 0, 0, 0, 0, 0, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, "mild", s.Severity)

	cases := map[int]string{9: "mild", 10: "moderate", 14: "moderate", 15: "moderately_severe", 19: "moderately_severe", 20: "severe", 27: "severe"}
	inst, _ := cat.Lookup("PHQ-9")
	for total, want := range cases {
		assert.Equal(t, want, inst.Severity(total), "total %d", total)
	}

	gad, _ := cat.Lookup("gad-7")
	assert.Equal(t, "severe", gad.Severity(15))
	assert.Equal(t, "moderate", gad.Severity(14))
}

func TestScoreIsPure(t *testing.T) {
	cat := DefaultCatalog()
	responses := []int{2, 1, 0, 3, 1, 1, 2}
	first, err := cat.Score("GAD-7", responses)
	require.NoError(t, err)
	second, err := cat.Score("GAD-7", responses)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []int{2, 1, 0, 3, 1, 1, 2}, responses)
}

func TestScoreErrors(t *testing.T) {
	cat := DefaultCatalog()

	_, err := cat.Score("BDI-II", []int{1})
	assert.ErrorIs(t, err, ErrUnknownTool)

	_, err = cat.Score("PHQ-9", []int{1, 2})
	assert.ErrorIs(t, err, ErrInvalidResponses)

	_, err = cat.Score("K-10", []int{0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidResponses)

	_, err = cat.Score("GAD-7", []int{-1, 0, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidResponses)
}

func TestInstrumentWithoutCutoffs(t *testing.T) {
	cat := DefaultCatalog()
	s, err := cat.Score("wai-sr", []int{3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3})
	require.NoError(t, err)
	assert.Equal(t, "WAI-SR", s.Tool)
	assert.Equal(t, 36, s.Total)
	assert.Equal(t, SeverityUnknown, s.Severity)
}

func TestComputeChange(t *testing.T) {
	cat := DefaultCatalog()

	c, err := cat.ComputeChange(14, 7, "PHQ-9")
	require.NoError(t, err)
	assert.Equal(t, -7, c.Absolute)
	assert.InDelta(t, -50.0, c.Percent, 1e-9)
	assert.True(t, c.ClinicallySignificant)
	assert.True(t, c.ReliablyChanged)
	assert.Equal(t, DirectionImproved, c.Direction)

	c, err = cat.ComputeChange(0, 6, "GAD-7")
	require.NoError(t, err)
	assert.Equal(t, 0.0, c.Percent)
	assert.False(t, c.ClinicallySignificant)
	assert.True(t, c.ReliablyChanged)
	assert.Equal(t, DirectionWorsened, c.Direction)

	c, err = cat.ComputeChange(9, 9, "PHQ-9")
	require.NoError(t, err)
	assert.Equal(t, DirectionUnchanged, c.Direction)
	assert.False(t, c.ReliablyChanged)

	c, err = cat.ComputeChange(3, 2, "PHQ-9")
	require.NoError(t, err)
	assert.InDelta(t, -33.3, c.Percent, 1e-9)

	_, err = cat.ComputeChange(1, 2, "nope")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestComputeChangeHigherIsBetter(t *testing.T) {
	cat := DefaultCatalog()
	c, err := cat.ComputeChange(24, 40, "WAI-SR")
	require.NoError(t, err)
	assert.Equal(t, DirectionImproved, c.Direction)
	assert.True(t, c.ClinicallySignificant)

	c, err = cat.ComputeChange(40, 20, "WAI-SR")
	require.NoError(t, err)
	assert.Equal(t, DirectionWorsened, c.Direction)
	assert.False(t, c.ClinicallySignificant)
}

func TestForm(t *testing.T) {
	cat := DefaultCatalog()

	f, err := cat.Form("PHQ-9", "p1", "baseline", "ko")
	require.NoError(t, err)
	assert.Len(t, f.Questions, 9)
	assert.Equal(t, "ko", f.Language)
	assert.Equal(t, "pending", f.Status)
	assert.Contains(t, f.AssessmentID, "p1_PHQ-9_baseline_")

	f, err = cat.Form("gad-7", "p1", "week4", "ja")
	require.NoError(t, err)
	assert.Equal(t, "en", f.Language)
	assert.Equal(t, "Feeling nervous, anxious, or on edge", f.Questions[0])

	f, err = cat.Form("K-10", "p1", "baseline", "en")
	require.NoError(t, err)
	assert.Empty(t, f.Questions)

	_, err = cat.Form("X", "p1", "baseline", "en")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestLoadCatalog(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"GAD-7", "K-10", "PHQ-9", "WAI-SR"}, cat.Tools())

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `instruments:
  PSS-4:
    name: Perceived Stress Scale
    purpose: Stress
    items: 4
    score_range: {min: 0, max: 16}
    cutoffs:
      - {label: low, min: 0, max: 6}
      - {label: high, min: 7, max: 16}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	cat, err = Load(path)
	require.NoError(t, err)

	s, err := cat.Score("PSS-4", []int{2, 2, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, "high", s.Severity)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("instruments:\n  X:\n    items: 0\n"), 0o600))
	_, err = Load(bad)
	assert.Error(t, err)
}
