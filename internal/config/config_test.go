package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcenter/internal/config"
)

func TestParse(t *testing.T) {
	tests := map[string]struct {
		env    map[string]string
		args   []string
		expErr bool
		check  func(t *testing.T, cfg *config.Config)
	}{
		"Defaults should be used when nothing is set.": {
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, "0.0.0.0:7070", cfg.Server.Addr)
				assert.Equal(t, config.ModeHTTP, cfg.Mode)
				assert.Equal(t, 5*time.Second, cfg.Simulator.SyncInterval)
				assert.Equal(t, int64(10<<20), cfg.Server.UploadLimit)
				assert.Empty(t, cfg.Kafka.Brokers)
			},
		},
		"Environment variables should override defaults.": {
			env: map[string]string{
				"TASKCENTER_ADDR":          ":9000",
				"TASKCENTER_MODE":          "BOTH",
				"TASKCENTER_SYNC_INTERVAL": "2s",
				"TASKCENTER_KAFKA_BROKERS": "k1:9092, k2:9092,",
				"TASKCENTER_LOG_FORMAT":    "json",
			},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, ":9000", cfg.Server.Addr)
				assert.Equal(t, config.ModeBoth, cfg.Mode)
				assert.Equal(t, 2*time.Second, cfg.Simulator.SyncInterval)
				assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
				assert.Equal(t, "json", cfg.Log.Format)
			},
		},
		"Flags should override environment variables.": {
			env:  map[string]string{"TASKCENTER_ADDR": ":9000"},
			args: []string{"-addr", ":9100", "-mode", "mcp", "-sync-interval", "1s"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, ":9100", cfg.Server.Addr)
				assert.Equal(t, config.ModeMCP, cfg.Mode)
				assert.Equal(t, time.Second, cfg.Simulator.SyncInterval)
			},
		},
		"The run length should not be configurable.": {
			args:   []string{"-run-duration", "1s"},
			expErr: true,
		},
		"An unknown mode should fail.": {
			args:   []string{"-mode", "grpc"},
			expErr: true,
		},
		"An unknown log format should fail.": {
			args:   []string{"-log-format", "xml"},
			expErr: true,
		},
		"Bark without a URL should fail.": {
			env:    map[string]string{"TASKCENTER_BARK_ENABLED": "true"},
			expErr: true,
		},
		"Unknown flags should fail.": {
			args:   []string{"-use-utc"},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv("TASKCENTER_STATE_DIR", t.TempDir())
			for k, v := range test.env {
				t.Setenv(k, v)
			}

			cfg, err := config.Parse(test.args)
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			test.check(t, cfg)
		})
	}
}
