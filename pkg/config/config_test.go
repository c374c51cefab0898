package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg := fromViper(v)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, 15*time.Second, cfg.Database.StatementTimeout)
	assert.False(t, cfg.Enrollments.PublicSubmission)
	assert.Equal(t, 2*time.Minute, cfg.Audit.CacheTTL)
	assert.Zero(t, cfg.Audit.ScanInterval)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Nil(t, cfg.CORS.AllowedOrigins)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	v.Set("AUDIT_CACHE_TTL", "not-a-duration")
	v.Set("ENABLE_PUBLIC_ENROLLMENT", true)
	v.Set("AUDIT_SCAN_INTERVAL", "30m")

	cfg := fromViper(v)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 2*time.Minute, cfg.Audit.CacheTTL)
	assert.True(t, cfg.Enrollments.PublicSubmission)
	assert.Equal(t, 30*time.Minute, cfg.Audit.ScanInterval)
}
