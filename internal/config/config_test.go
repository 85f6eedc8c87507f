package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SOURCE_BASE_URL", "https://source.example")
	t.Setenv("CATALOG_BASE_URL", "http://catalog:8080")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	assert.NoError(t, err)
	assert.Equal(t, 8084, cfg.HTTPPort)
	assert.Equal(t, 8, cfg.DownloadWorkers)
	assert.Equal(t, 4*time.Second, cfg.DownloadSlowLatency)
	assert.Equal(t, int64(256*1024), cfg.DownloadMinSizeBytes)
	assert.Equal(t, 120*time.Second, cfg.HostCooldown)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.TaskRetention)
	assert.True(t, cfg.IsDevelopment())
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_MissingSourceURLFails(t *testing.T) {
	t.Setenv("SOURCE_BASE_URL", "")
	t.Setenv("CATALOG_BASE_URL", "http://catalog:8080")

	_, err := LoadConfig()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "SOURCE_BASE_URL")
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DOWNLOAD_WORKERS", "16")
	t.Setenv("HOST_COOLDOWN", "90s")
	t.Setenv("CDN_HOSTS", "img1.example, img2.example")
	t.Setenv("DOWNLOAD_MIN_MBPS", "2.5")

	cfg, err := LoadConfig()
	assert.NoError(t, err)
	assert.Equal(t, 16, cfg.DownloadWorkers)
	assert.Equal(t, 90*time.Second, cfg.HostCooldown)
	assert.Equal(t, []string{"img1.example", "img2.example"}, cfg.CDNHosts)
	assert.InDelta(t, 2.5, cfg.DownloadMinMBps, 0.001)
}

func TestLoadConfig_BadDurationFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HOST_COOLDOWN", "ninety seconds")

	_, err := LoadConfig()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "HOST_COOLDOWN")
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := &Config{
		HTTPPort:        70000,
		SourceBaseURL:   "ftp://nope",
		CatalogBaseURL:  "http://catalog:8080",
		DownloadWorkers: 0,
		LogLevel:        "verbose",
	}
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_PORT")
	assert.Contains(t, err.Error(), "SOURCE_BASE_URL")
	assert.Contains(t, err.Error(), "DOWNLOAD_WORKERS")
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}
