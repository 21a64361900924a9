package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadMergesFileOverDefaults 验证 yaml 只覆盖写出的字段，其余保持默认值。
func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\ndialogue:\n  typewriter_interval: 20ms\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 20*time.Millisecond, cfg.Dialogue.TypewriterInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Dialogue.TransitionDuration)
	assert.Equal(t, float64(30000), cfg.Triggers.LowMoney)
}

// TestLoadEnvOverrides 验证环境变量优先级高于配置文件。
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHICKMASTER_PORT", "7070")
	t.Setenv("CHICKMASTER_AUTO_ADVANCE", "true")
	t.Setenv("CHICKMASTER_BACKEND_URL", "http://backend:8000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.True(t, cfg.Dialogue.AutoAdvance)
	assert.Equal(t, "http://backend:8000", cfg.Backend.BaseURL)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("CHICKMASTER_PORT", "not-a-port")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Dialogue.TypewriterInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Triggers.ActionProbability = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Dialogue.AutoAdvance = true
	cfg.Dialogue.AutoAdvanceDelay = 0
	assert.Error(t, cfg.Validate())
}
