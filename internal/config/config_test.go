package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GTJasonMK/AnyRounterTool/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, 9, cfg.Pool.MaxSize)
	assert.Equal(t, 30*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, 300*time.Second, cfg.Pool.MaxIdle)
	assert.Equal(t, 8*time.Second, cfg.API.Timeout)
	assert.Equal(t, 2.0, cfg.API.UsageCentsFactor)
	assert.True(t, cfg.API.FallbackToWeb)
	assert.Equal(t, 90*time.Second, cfg.Performance.AccountTimeout)
	assert.Equal(t, 8, cfg.Performance.RolloverHour)
	assert.Equal(t, filepath.Join(dir, "balance_cache.json"), cfg.BalanceCacheFile)
	assert.Equal(t, filepath.Join(dir, "daily_web_login_state.json"), cfg.DailyStateFile)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
log_level: debug
pool:
  size: 2
  max_size: 4
api:
  fallback_to_web: false
  usage_cents_factor: 3
performance:
  rollover_hour: 6
  account_timeout: 45s
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("POOL_MAX_SIZE", "6")
	t.Setenv("DATA_DIR", dir)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.Pool.Size)
	assert.Equal(t, 6, cfg.Pool.MaxSize, "env overrides yaml")
	assert.False(t, cfg.API.FallbackToWeb)
	assert.Equal(t, 3.0, cfg.API.UsageCentsFactor)
	assert.Equal(t, 6, cfg.Performance.RolloverHour)
	assert.Equal(t, 45*time.Second, cfg.Performance.AccountTimeout)
	assert.Equal(t, 20*time.Second, cfg.Browser.PageLoadTimeout, "untouched defaults survive")
}

func TestLoad_RejectsPoolSizeAboveMax(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("POOL_SIZE", "12")
	t.Setenv("POOL_MAX_SIZE", "3")

	_, err := config.Load("")
	require.Error(t, err)
}

func TestValidate_ResetsBadRolloverHour(t *testing.T) {
	cfg := config.Defaults()
	cfg.Performance.RolloverHour = 31

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.Performance.RolloverHour)
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "rollover_hour 31")
}

func TestValidate_NoWarningsForDefaults(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())
	assert.Empty(t, cfg.Warnings)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nexport DOTENV_A=alpha\nDOTENV_B=\"quoted # kept\"\nDOTENV_C=gamma # trailing\nDOTENV_EXISTING=new\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("DOTENV_EXISTING", "old")
	for _, k := range []string{"DOTENV_A", "DOTENV_B", "DOTENV_C"} {
		k := k
		t.Cleanup(func() { os.Unsetenv(k) })
	}

	require.NoError(t, config.LoadDotEnv(path))
	assert.Equal(t, "alpha", os.Getenv("DOTENV_A"))
	assert.Equal(t, "quoted # kept", os.Getenv("DOTENV_B"))
	assert.Equal(t, "gamma", os.Getenv("DOTENV_C"))
	assert.Equal(t, "old", os.Getenv("DOTENV_EXISTING"))
}
