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
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, CartStoreMemory, cfg.Cart.Store)
	assert.Equal(t, 14*24*time.Hour, cfg.Cart.TTL)
	assert.Equal(t, float64(24), cfg.Builder.DefaultMaxUnits)
	assert.True(t, cfg.Builder.FetchFeeStatus)
	assert.Equal(t, 15*time.Second, cfg.Portal.Timeout)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("CART_STORE", " Redis ")
	v.Set("BUILDER_DEFAULT_MAX_UNITS", 30)
	v.Set("PORTAL_BASE_URL", "https://portal.example.edu/api/")
	v.Set("PORTAL_TIMEOUT", "not-a-duration")
	v.Set("ALLOWED_ORIGINS", "https://a.example.edu, ,https://b.example.edu")

	cfg := fromViper(v)
	assert.Equal(t, CartStoreRedis, cfg.Cart.Store)
	assert.Equal(t, float64(30), cfg.Builder.DefaultMaxUnits)
	assert.Equal(t, "https://portal.example.edu/api", cfg.Portal.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.Portal.Timeout)
	assert.Equal(t, []string{"https://a.example.edu", "https://b.example.edu"}, cfg.CORS.AllowedOrigins)
}

func TestFromViperUnknownStoreFallsBackToMemory(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("CART_STORE", "etcd")

	assert.Equal(t, CartStoreMemory, fromViper(v).Cart.Store)
}
