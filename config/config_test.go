package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Host:                "127.0.0.1",
		ListenAddress:       "127.0.0.1:0",
		DialTimeout:         3,
		BarrierTimeout:      5,
		AdmissionRetryDelay: 200,
		DrainGrace:          2,
	}
}

func TestValidateMintsInstanceToken(t *testing.T) {
	c := validConfig()
	require.Empty(t, c.InstanceToken)

	err := c.Validate()
	require.NoError(t, err)
	assert.NotEmpty(t, c.InstanceToken)
}

func TestValidateDefaultsLogPrefix(t *testing.T) {
	c := validConfig()
	err := c.Validate()
	require.NoError(t, err)
	assert.Contains(t, c.LogPrefix, "cluster[")
}

func TestValidateRejectsEmptyHost(t *testing.T) {
	c := validConfig()
	c.Host = ""
	err := c.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsMismatchedContact(t *testing.T) {
	c := validConfig()
	c.ContactHost = "127.0.0.1"
	c.ContactPort = 0
	err := c.Validate()
	assert.Error(t, err)
}

func TestValidateAcceptsFounderWithNoContact(t *testing.T) {
	c := validConfig()
	err := c.Validate()
	require.NoError(t, err)
	assert.True(t, c.IsFounder())
}

func TestValidateAcceptsJoinerWithContact(t *testing.T) {
	c := validConfig()
	c.ContactHost = "127.0.0.1"
	c.ContactPort = 9001
	err := c.Validate()
	require.NoError(t, err)
	assert.False(t, c.IsFounder())
}

func TestLoadDecodesTOMLAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
Host = "127.0.0.1"
ListenAddress = "127.0.0.1:0"
DialTimeout = 3
BarrierTimeout = 5
AdmissionRetryDelay = 200
DrainGrace = 2
`
	err := os.WriteFile(path, []byte(contents), 0o644)
	require.NoError(t, err)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", c.Host)
	assert.NotEmpty(t, c.InstanceToken)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml")
	assert.Error(t, err)
}
