package lane

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCanonicalises(t *testing.T) {
	k, err := Resolve(Input{Origin: " cnsha ", Destination: "NLRTM", Mode: "SEA", Cutoff: "2026-10-20T10:00:00+02:00"})
	require.NoError(t, err)
	assert.Equal(t, "CNSHA", k.Origin)
	assert.Equal(t, "NLRTM", k.Destination)
	assert.Equal(t, "sea", k.Mode)
	assert.Equal(t, time.Date(2026, 10, 20, 8, 0, 0, 0, time.UTC), k.Cutoff)
	assert.Equal(t, "CNSHA>NLRTM/sea@2026-10-20T08:00:00Z", Key(k))
}

func TestResolveSameLaneSameKey(t *testing.T) {
	a, err := Resolve(Input{Origin: "CNSHA", Destination: "NLRTM", Mode: "sea", Cutoff: "2026-10-20"})
	require.NoError(t, err)
	b, err := Resolve(Input{Origin: "cnsha", Destination: "nlrtm", Mode: "Sea", Cutoff: "2026-10-20T23:59:59Z"})
	require.NoError(t, err)
	assert.Equal(t, Key(a), Key(b))
}

func TestParseCutoffLabels(t *testing.T) {
	day, err := ParseCutoff("2026-10-20")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 20, 23, 59, 59, 0, time.UTC), day)

	// ISO week 1 of 2026 runs Mon 29 Dec 2025 to Sun 4 Jan 2026.
	week, err := ParseCutoff("2026-W01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 4, 23, 59, 59, 0, time.UTC), week)

	week43, err := ParseCutoff("2026-W43")
	require.NoError(t, err)
	assert.Equal(t, time.Sunday, week43.Weekday())
	_, w := week43.ISOWeek()
	assert.Equal(t, 43, w)
}

func TestResolveRejectsMalformedInput(t *testing.T) {
	cases := map[string]Input{
		"empty origin":  {Destination: "NLRTM", Mode: "sea", Cutoff: "2026-10-20"},
		"bad port":      {Origin: "SHANGHAI", Destination: "NLRTM", Mode: "sea", Cutoff: "2026-10-20"},
		"same port":     {Origin: "NLRTM", Destination: "NLRTM", Mode: "sea", Cutoff: "2026-10-20"},
		"unknown mode":  {Origin: "CNSHA", Destination: "NLRTM", Mode: "rail", Cutoff: "2026-10-20"},
		"missing mode":  {Origin: "CNSHA", Destination: "NLRTM", Cutoff: "2026-10-20"},
		"bad cutoff":    {Origin: "CNSHA", Destination: "NLRTM", Mode: "air", Cutoff: "next tuesday"},
		"week too high": {Origin: "CNSHA", Destination: "NLRTM", Mode: "air", Cutoff: "2026-W54"},
		"no cutoff":     {Origin: "CNSHA", Destination: "NLRTM", Mode: "air"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Resolve(in)
			assert.ErrorIs(t, err, ErrInvalidLane)
		})
	}
}
