package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(nil, env(nil))
	require.NoError(t, err)

	assert.Equal(t, 5060, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.BindAddr)
	assert.NotEmpty(t, cfg.AdvertiseAddr)
	assert.Equal(t, cfg.AdvertiseAddr, cfg.Realm)
	assert.Equal(t, 32*time.Second, cfg.SubscribeTimeout)
	assert.Equal(t, []string{"application/pidf+xml", "application/cpim-pidf+xml"}, cfg.Accept)
	assert.Equal(t, "presenced", cfg.NATSSubjectPrefix)
}

func TestLoadEnvOverridesFlags(t *testing.T) {
	cfg, err := LoadFrom([]string{"-port", "5070", "-realm", "flag.example"}, env(map[string]string{
		"PORT":              "5080",
		"ADVERTISE":         "192.0.2.1",
		"REALM":             "example.com",
		"REDIS_DB":          "3",
		"SUBSCRIBE_TIMEOUT": "5s",
		"ACCEPT":            " application/pidf+xml , ",
		"NATS_URL":          "nats://localhost:4222",
	}))
	require.NoError(t, err)

	assert.Equal(t, 5080, cfg.Port)
	assert.Equal(t, "192.0.2.1", cfg.AdvertiseAddr)
	assert.Equal(t, "example.com", cfg.Realm)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 5*time.Second, cfg.SubscribeTimeout)
	assert.Equal(t, []string{"application/pidf+xml"}, cfg.Accept)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	_, err := LoadFrom(nil, env(map[string]string{"PORT": "five", "SUBSCRIBE_TIMEOUT": "soon"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
	assert.Contains(t, err.Error(), "SUBSCRIBE_TIMEOUT")
}

func TestLoadUnknownFlag(t *testing.T) {
	_, err := LoadFrom([]string{"-nope"}, env(nil))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := LoadFrom([]string{"-realm", "example.com", "-credentials", "users.yaml"}, env(nil))
		require.NoError(t, err)
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no credentials", func(c *Config) { c.CredentialsFile = "" }, "no credential source"},
		{"redis is enough", func(c *Config) { c.CredentialsFile = ""; c.RedisAddr = "localhost:6379" }, ""},
		{"bad port", func(c *Config) { c.Port = 70000 }, "out of range"},
		{"inverted expires", func(c *Config) { c.MinExpires = 600; c.MaxExpires = 60 }, "expires bounds"},
		{"empty accept", func(c *Config) { c.Accept = nil }, "accept"},
		{"zero timeout", func(c *Config) { c.SubscribeTimeout = 0 }, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseAddressList(t *testing.T) {
	assert.Nil(t, parseAddressList(""))
	assert.Equal(t, []string{"a", "b"}, parseAddressList(" a, ,b "))
}
