package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeSettings_Validate(t *testing.T) {
	valid := RuntimeSettings{
		PollCron:        "*/5 * * * *",
		MaxItemAttempts: 3,
		OCRLanguages:    []string{"eng"},
	}
	require.NoError(t, valid.Validate())

	every := valid
	every.PollCron = "@every 1m"
	require.NoError(t, every.Validate())

	invalid := valid
	invalid.PollCron = "bad cron"
	require.Error(t, invalid.Validate())

	noAttempts := valid
	noAttempts.MaxItemAttempts = 0
	require.Error(t, noAttempts.Validate())

	blankLang := valid
	blankLang.OCRLanguages = []string{"eng", " "}
	require.Error(t, blankLang.Validate())
}

func TestRuntimeSettingsFile_RoundTrip(t *testing.T) {
	tmp := t.TempDir()
	filePath := filepath.Join(tmp, "settings", "runtime.json")
	input := RuntimeSettings{
		PollCron:        "0 * * * *",
		MaxItemAttempts: 5,
		OCRLanguages:    []string{"eng", "deu"},
	}

	require.NoError(t, WriteRuntimeSettingsFile(filePath, input))

	got, err := LoadRuntimeSettingsFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, input, got)

	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestWithRuntimeSettings_OverridesConfig(t *testing.T) {
	setRequired(t)
	t.Setenv("POLL_CRON", "@every 10s")
	t.Setenv("OCR_MAX_ITEM_ATTEMPTS", "2")

	override := RuntimeSettings{
		PollCron:     "*/2 * * * *",
		OCRLanguages: []string{"jpn"},
	}

	cfg, err := NewFromEnv(WithRuntimeSettings(override))
	require.NoError(t, err)
	assert.Equal(t, "*/2 * * * *", cfg.Pipeline.PollCron)
	assert.Equal(t, 2, cfg.OCR.MaxItemAttempts)
	assert.Equal(t, []string{"jpn"}, cfg.OCR.Languages)
	assert.Equal(t, override.PollCron, cfg.RuntimeSettings().PollCron)
}

func TestRuntimeSettingsStore_UpdatePersistsFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "runtime-settings.json")
	initial := RuntimeSettings{PollCron: "@every 30s", MaxItemAttempts: 3, OCRLanguages: []string{"eng"}}

	store, err := NewRuntimeSettingsStore(filePath, initial)
	require.NoError(t, err)

	next := RuntimeSettings{PollCron: "*/10 * * * *", MaxItemAttempts: 4, OCRLanguages: []string{"fra"}}
	got, err := store.UpdateRuntimeSettings(next)
	require.NoError(t, err)
	assert.Equal(t, next, got)

	loaded, err := LoadRuntimeSettingsFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, next, loaded)

	_, err = store.UpdateRuntimeSettings(RuntimeSettings{})
	require.Error(t, err)
	current, err := store.GetRuntimeSettings()
	require.NoError(t, err)
	assert.Equal(t, next, current)
}
