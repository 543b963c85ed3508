package app

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PG_DSN", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("DEFAULT_TAX_RATE", "10.5")
	t.Setenv("APPROVAL_TIMEOUT", "3s")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, "10.5", cfg.DefaultTaxRate.String())
	require.Equal(t, 3*time.Second, cfg.ApprovalTimeout)
	require.Equal(t, "central", cfg.DefaultWarehouse)
	require.Empty(t, cfg.PGDSN)
	require.False(t, cfg.WorkerActive())

	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.WorkerActive())
}

func TestConfigValidate(t *testing.T) {
	for name, env := range map[string][2]string{
		"negative tax":  {"DEFAULT_TAX_RATE", "-1"},
		"point of sale": {"POINT_OF_SALE", "0"},
		"node id":       {"NODE_ID", "2048"},
		"due days":      {"INVOICE_DUE_DAYS", "-5"},
		"bad duration":  {"APPROVAL_TIMEOUT", "soon"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestJSONLoggerTagsService(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json", AppEnv: "staging"}, &buf).Info("hello")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "salesops", line["service"])
	require.Equal(t, "staging", line["env"])
	require.Equal(t, "hello", line["msg"])
}
