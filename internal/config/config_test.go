package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mverrors "github.com/markview/markview/internal/errors"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	c := Default()
	c.Documents.BaseDir = t.TempDir()
	return c
}

func TestDefaultIsValidWithExistingBaseDir(t *testing.T) {
	c := validConfig(t)
	require.NoError(t, c.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative port", func(c *Config) { c.Server.Port = -1 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"zero connections", func(c *Config) { c.Server.MaxConnections = 0 }},
		{"missing base dir", func(c *Config) { c.Documents.BaseDir = "/nonexistent/markview" }},
		{"no extensions", func(c *Config) { c.Documents.Extensions = nil }},
		{"zero file size", func(c *Config) { c.Documents.MaxFileSize = 0 }},
		{"negative depth", func(c *Config) { c.Documents.MaxDepth = -2 }},
		{"zero cache bytes", func(c *Config) { c.Cache.MaxBytes = 0 }},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"zero error ttl", func(c *Config) { c.Cache.ErrorTTL = 0 }},
		{"zero render timeout", func(c *Config) { c.Cache.RenderTimeout = 0 }},
		{"zero debounce", func(c *Config) { c.Watch.Debounce = 0 }},
		{"zero snippet", func(c *Config) { c.Search.SnippetLength = 0 }},
		{"zero results", func(c *Config) { c.Search.MaxResults = 0 }},
		{"zero queue depth", func(c *Config) { c.Hub.QueueDepth = 0 }},
		{"idle below ping", func(c *Config) {
			c.Hub.PingInterval = time.Minute
			c.Hub.IdleTimeout = time.Second
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig(t)
			tc.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, mverrors.IsKind(err, mverrors.KindConfig))
		})
	}
}

func TestBaseDirMustBeDirectory(t *testing.T) {
	c := validConfig(t)
	file := filepath.Join(c.Documents.BaseDir, "plain.md")
	require.NoError(t, os.WriteFile(file, []byte("# x"), 0644))
	c.Documents.BaseDir = file

	assert.Error(t, c.Validate())
}

func TestDefaultValues(t *testing.T) {
	c := Default()
	assert.Equal(t, 8383, c.Server.Port)
	assert.Contains(t, c.Documents.Extensions, ".md")
	assert.Equal(t, 5*time.Minute, c.Cache.TTL)
	assert.Equal(t, 300*time.Millisecond, c.Watch.Debounce)
	assert.Equal(t, 64, c.Hub.QueueDepth)
}
