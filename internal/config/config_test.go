package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 28.0, cfg.Pools.CapacityM3["sea"])
	assert.Equal(t, 4.5, cfg.Pools.CapacityM3["air"])
	assert.Equal(t, 24*time.Hour, cfg.Lifecycle.Grace)
	assert.Equal(t, 8, cfg.Webhooks.MaxAttempts)
	assert.Equal(t, "X-Lanepool-Signature", cfg.Webhooks.SignatureHeader)
	assert.Equal(t, "mock", cfg.Booking.Provider)
	assert.Equal(t, "/v0", cfg.Server.BasePath)

	c, ok := cfg.DefaultCapacity("air")
	assert.True(t, ok)
	assert.Equal(t, 4.5, c)
	_, ok = cfg.DefaultCapacity("rail")
	assert.False(t, ok)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
pools:
  capacity_m3:
    sea: 33
webhooks:
  timeout: 3s
  max_attempts: 3
lifecycle:
  auto_book: true
`))
	require.NoError(t, err)
	assert.Equal(t, 33.0, cfg.Pools.CapacityM3["sea"])
	assert.Equal(t, 4.5, cfg.Pools.CapacityM3["air"], "unset keys keep their defaults")
	assert.Equal(t, 3*time.Second, cfg.Webhooks.Timeout)
	assert.Equal(t, 3, cfg.Webhooks.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Webhooks.ClaimLease)
	assert.True(t, cfg.Lifecycle.AutoBook)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"unknown mode":          "pools:\n  capacity_m3:\n    rail: 10\n",
		"zero capacity":         "pools:\n  capacity_m3:\n    sea: 0\n",
		"negative grace":        "lifecycle:\n  grace: -1h\n",
		"lease below timeout":   "webhooks:\n  timeout: 2m\n",
		"no attempts":           "webhooks:\n  max_attempts: 0\n",
		"no breaker threshold":  "webhooks:\n  breaker_failures: 0\n",
		"empty signature":       "webhooks:\n  signature_header: \"\"\n",
		"http without endpoint": "booking:\n  provider: http\n",
		"unknown provider":      "booking:\n  provider: fax\n",
		"unknown log format":    "log:\n  format: xml\n",
		"malformed yaml":        "pools: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lanepool config init")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "lanepool.yml"), []byte("booking:\n  provider: http\n  endpoint: https://carrier.example.com/book\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "http", cfg.Booking.Provider)
	assert.Equal(t, filepath.Join(dir, "lanepool.yml"), Path(dir))
}
