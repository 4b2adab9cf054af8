package webhook

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanepool/internal/domain"
)

func TestFilterMatching(t *testing.T) {
	cases := []struct {
		filter string
		evt    string
		want   bool
	}{
		{"*", "fill_80", true},
		{" * ", "booking_failed", true},
		{"fill_80,fill_90", "fill_90", true},
		{"fill_80, fill_90 ", "fill_90", true},
		{"fill_80,fill_90", "fill_100", false},
		{"Fill_80", "fill_80", false},
		{"fill_80", "fill_8", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Matches(tc.filter, tc.evt), "%q vs %q", tc.filter, tc.evt)
	}
}

func TestNormalizeFilter(t *testing.T) {
	assert.Equal(t, "*", NormalizeFilter(""))
	assert.Equal(t, "*", NormalizeFilter("fill_80,*"))
	assert.Equal(t, "fill_80,status_changed", NormalizeFilter(" fill_80 ,, status_changed,fill_80"))
}

func TestBackoffTable(t *testing.T) {
	want := []int{15, 60, 300, 3600, 10800, 21600, 43200, 86400}
	for i, secs := range want {
		assert.Equal(t, time.Duration(secs)*time.Second, Backoff(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 86400*time.Second, Backoff(9))
	assert.Equal(t, 86400*time.Second, Backoff(40))
	assert.Equal(t, 15*time.Second, Backoff(0))
}

func TestScheduleRetrySequence(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var delays []int
	attempts := 0
	for {
		d := ScheduleRetry(attempts, 8, now)
		if d.Terminal {
			assert.Equal(t, 8, d.Attempts)
			assert.True(t, d.NextAttemptAt.IsZero())
			break
		}
		delays = append(delays, int(d.NextAttemptAt.Sub(now)/time.Second))
		attempts = d.Attempts
	}
	assert.Equal(t, []int{15, 60, 300, 3600, 10800, 21600, 43200}, delays)
}

func TestScheduleRetryRepeatsLastDelay(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := ScheduleRetry(8, 12, now)
	require.False(t, d.Terminal)
	assert.Equal(t, 9, d.Attempts)
	assert.Equal(t, now.Add(24*time.Hour), d.NextAttemptAt)
}

func TestSignKnownVector(t *testing.T) {
	sig := Sign("whsec_test", "1777896000", []byte(`{"a":1}`))
	assert.Equal(t, "sha256=a22eadb3dc3a25a0966cfc7953754728a55bf0f9f68d507b41923977c2852229", sig)
	assert.True(t, Verify("whsec_test", "1777896000", []byte(`{"a":1}`), sig))
	assert.False(t, Verify("other", "1777896000", []byte(`{"a":1}`), sig))
	assert.Equal(t, "1777896000", unixTimestamp(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)))
}

func TestEnvelopeGolden(t *testing.T) {
	body, err := BuildEnvelope(
		domain.WebhookDelivery{ID: "dlv-0001", EventID: 42, EventType: domain.EventFill80, Payload: `{"capacity_m3":10,"used_m3":8}`},
		domain.PoolEvent{ID: 42, PoolID: "pool-abc", Type: domain.EventFill80, CreatedAt: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)},
	)
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "fill_80_envelope", body)
}

func TestEnvelopeFallsBackOnInvalidPayload(t *testing.T) {
	body, err := BuildEnvelope(domain.WebhookDelivery{ID: "d", EventID: 1, EventType: "x", Payload: "not json"}, domain.PoolEvent{PoolID: "p"})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"payload":{}`)
}
