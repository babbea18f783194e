package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    time.Duration
		wantErr bool
	}{
		{name: "string form", in: `"5m"`, want: 5 * time.Minute},
		{name: "numeric nanoseconds", in: `60000000000`, want: time.Minute},
		{name: "bad string", in: `"not-a-duration"`, wantErr: true},
		{name: "wrong type", in: `["5m"]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration

			err := json.Unmarshal([]byte(tt.in), &d)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, time.Duration(d))
		})
	}
}

func TestCloudConfigValidateDefaults(t *testing.T) {
	cfg := CloudConfig{
		ListenAddr: "127.0.0.1:8090",
		DBPath:     "/tmp/fleet.db",
	}

	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Minute, time.Duration(cfg.LivenessThreshold))
	assert.Equal(t, time.Minute, time.Duration(cfg.SweepInterval))
	assert.Equal(t, time.Minute, time.Duration(cfg.EvalInterval))
	assert.Equal(t, time.Hour, time.Duration(cfg.PingCooldown))
	assert.Equal(t, 10, cfg.Checkin.MaxCommands)
	assert.Equal(t, 20, cfg.Checkin.MaxLogs)
	assert.Equal(t, []string{"warning", "error"}, cfg.Checkin.LogLevels)
}

func TestCloudConfigValidateRequiredFields(t *testing.T) {
	cfg := CloudConfig{DBPath: "/tmp/fleet.db"}
	assert.ErrorIs(t, cfg.Validate(), errMissingListenAddr)

	cfg = CloudConfig{ListenAddr: "127.0.0.1:8090"}
	assert.ErrorIs(t, cfg.Validate(), errMissingDBPath)
}

func TestLoadAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloud.json")
	raw := `{
		"listen_addr": "127.0.0.1:8090",
		"db_path": "/var/lib/fleetmon/fleet.db",
		"liveness_threshold": "2m",
		"checkin": {"required_services": ["mme", "upf"], "core_services": ["mme"]},
		"webhooks": [{"enabled": true, "url": "https://example.com/hook", "cooldown": "10m"}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	var cfg CloudConfig

	require.NoError(t, LoadAndValidate(path, &cfg))
	assert.Equal(t, 2*time.Minute, time.Duration(cfg.LivenessThreshold))
	assert.Equal(t, []string{"mme", "upf"}, cfg.Checkin.RequiredServices)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, 10*time.Minute, time.Duration(cfg.Webhooks[0].Cooldown))

	var missing CloudConfig

	assert.Error(t, LoadAndValidate(filepath.Join(t.TempDir(), "nope.json"), &missing))
}
