package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/presenced/internal/presence/config"
	"github.com/sebas/presenced/internal/presence/events"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte("realm: example.com\nusers:\n  - username: \"1000\"\n    secret: s3cret\n"), 0o600))

	cfg, err := config.LoadFrom([]string{
		"-realm", "example.com",
		"-advertise", "127.0.0.1",
		"-credentials", path,
		"-api", "",
		"-grpc", "",
	}, func(string) string { return "" })
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	p, err := New(testConfig(t))
	require.NoError(t, err)

	assert.NotNil(t, p.Registrar())
	assert.NotNil(t, p.Manager())
	assert.Nil(t, p.API())
	assert.IsType(t, &events.LoggingPublisher{}, p.publisher)

	require.NoError(t, p.Close(context.Background()))
}

func TestNewWithAPI(t *testing.T) {
	cfg := testConfig(t)
	cfg.APIAddr = "127.0.0.1:0"

	p, err := New(cfg)
	require.NoError(t, err)
	defer p.Close(context.Background())

	assert.NotNil(t, p.API())
}

func TestNewRequiresCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.CredentialsFile = ""

	_, err := New(cfg)
	assert.ErrorContains(t, err, "no credential source")
}

func TestNewRejectsMissingCredentialsFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.CredentialsFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(cfg)
	assert.ErrorContains(t, err, "read credentials file")
}
