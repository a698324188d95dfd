package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("server:\n  origin: http://app.local:3000/\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://app.local:3000", cfg.Server.Origin)
	assert.Equal(t, "/sw.js", cfg.Server.ScriptPath)
	assert.Equal(t, "vybbi-crm-v1", cfg.Cache.Name)
	assert.Equal(t, DefaultShell, cfg.Cache.Shell)
	assert.Equal(t, []string{"/api/", "/rest/v1/", "/functions/v1/"}, cfg.Cache.APIMarkers)
	assert.Equal(t, []string{"supabase.co"}, cfg.Cache.BackendHosts)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout())
	assert.Equal(t, int64(16*1024*1024), cfg.MaxBodyBytes())
	assert.Equal(t, "default", cfg.Notifications.Permission)
	assert.True(t, cfg.AllowPrompt())
	assert.Equal(t, 24*time.Hour, cfg.NotificationExpiry())
	assert.Equal(t, 30*time.Second, cfg.ClientAttachTimeout())
	assert.Equal(t, time.Minute, cfg.InstallRetry())
	assert.Equal(t, time.Duration(0), cfg.StatsEvery())
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"missing origin", "server:\n  port: 80\n"},
		{"origin without scheme", "server:\n  origin: app.local\n"},
		{"relative script path", "server:\n  origin: http://a\n  scriptPath: sw.js\n"},
		{"relative shell url", "server:\n  origin: http://a\ncache:\n  shell: [\"index.html\"]\n"},
		{"bad timeout", "server:\n  origin: http://a\nfetch:\n  timeout: soon\n"},
		{"bad body size", "server:\n  origin: http://a\nfetch:\n  maxBodySize: lots\n"},
		{"bad permission", "server:\n  origin: http://a\nnotifications:\n  permission: maybe\n"},
		{"bad log format", "server:\n  origin: http://a\nlogging:\n  format: xml\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vybbi-edge.yaml")
	body := `
server:
  port: 9090
  origin: https://vybbi.app
cache:
  name: vybbi-crm-v2
  shell: ["/", "/favicon.ico"]
notifications:
  permission: granted
  allowPrompt: false
  expiry: 1h
clients:
  attachTimeout: 5s
logging:
  statsEvery: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "vybbi-crm-v2", cfg.Cache.Name)
	assert.Equal(t, []string{"/", "/favicon.ico"}, cfg.Cache.Shell)
	assert.Equal(t, "granted", cfg.Notifications.Permission)
	assert.False(t, cfg.AllowPrompt())
	assert.Equal(t, time.Hour, cfg.NotificationExpiry())
	assert.Equal(t, 5*time.Second, cfg.ClientAttachTimeout())
	assert.Equal(t, 30*time.Second, cfg.StatsEvery())
}

func TestSameVersion(t *testing.T) {
	t.Parallel()

	a, err := Parse([]byte("server:\n  origin: http://a\n"))
	require.NoError(t, err)
	b, err := Parse([]byte("server:\n  origin: http://a\n  port: 9000\n"))
	require.NoError(t, err)
	assert.True(t, a.SameVersion(b), "port changes do not make a new worker version")

	c, err := Parse([]byte("server:\n  origin: http://a\ncache:\n  name: vybbi-crm-v2\n"))
	require.NoError(t, err)
	assert.False(t, a.SameVersion(c))
}

func TestParseByteSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want ByteSize
	}{
		{"512", 512},
		{"512b", 512},
		{"1k", KiB},
		{"1kb", KiB},
		{"1KiB", KiB},
		{"2MB", 2 * MiB},
		{"16mib", 16 * MiB},
		{"1.5g", 1536 * MiB},
		{" 64 kb ", 64 * KiB},
		{"8gb", 8 * GiB},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "b", "-1k", "-0.5m", "ten", "NaN", "inf", "1e20g", "9223372036854775807k", "1e30", "12 parsecs"} {
		_, err := ParseByteSize(bad)
		assert.ErrorIs(t, err, ErrInvalidSize, bad)
	}
}

func TestByteSizeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "16mb", (16 * MiB).String())
	assert.Equal(t, "3kb", (3 * KiB).String())
	assert.Equal(t, "1500", ByteSize(1500).String())
	assert.Equal(t, "2gb", (2 * GiB).String())
}

func TestParseNamesBodySizeField(t *testing.T) {
	t.Parallel()

	for _, v := range []string{"lots", "1e20g", "0"} {
		_, err := Parse([]byte("server:\n  origin: http://a\nfetch:\n  maxBodySize: " + v + "\n"))
		require.ErrorIs(t, err, ErrInvalidSize, v)
		assert.Contains(t, err.Error(), "fetch.maxBodySize", v)
	}

	cfg, err := Parse([]byte("server:\n  origin: http://a\nfetch:\n  maxBodySize: 4096\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(4096), cfg.MaxBodyBytes())
}
