package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MimeLyc/pagescan-ocr/pkg/icron"
)

const DefaultRuntimeSettingsFile = "/app/config/settings.json"

// RuntimeSettings are the operator-editable knobs persisted next to the
// environment configuration. They take effect on the next start.
type RuntimeSettings struct {
	PollCron        string   `json:"poll_cron"`
	MaxItemAttempts int      `json:"max_item_attempts"`
	OCRLanguages    []string `json:"ocr_languages"`
}

func RuntimeSettingsFilePath() string {
	return getEnvString("SETTINGS_FILE", DefaultRuntimeSettingsFile)
}

func (s RuntimeSettings) Validate() error {
	if strings.TrimSpace(s.PollCron) == "" {
		return fmt.Errorf("poll_cron is required")
	}
	if _, err := icron.Parse(s.PollCron); err != nil {
		return fmt.Errorf("invalid poll_cron: %w", err)
	}
	if s.MaxItemAttempts <= 0 {
		return fmt.Errorf("max_item_attempts must be positive")
	}
	if len(s.OCRLanguages) == 0 {
		return fmt.Errorf("ocr_languages is required")
	}
	for _, lang := range s.OCRLanguages {
		if strings.TrimSpace(lang) == "" {
			return fmt.Errorf("ocr_languages contains an empty entry")
		}
	}
	return nil
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		PollCron:        c.Pipeline.PollCron,
		MaxItemAttempts: c.OCR.MaxItemAttempts,
		OCRLanguages:    append([]string(nil), c.OCR.Languages...),
	}
}

// WithRuntimeSettings overrides the environment with the non-empty fields of settings.
func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if strings.TrimSpace(settings.PollCron) != "" {
			c.Pipeline.PollCron = settings.PollCron
		}
		if settings.MaxItemAttempts > 0 {
			c.OCR.MaxItemAttempts = settings.MaxItemAttempts
		}
		if len(settings.OCRLanguages) > 0 {
			c.OCR.Languages = append([]string(nil), settings.OCRLanguages...)
		}
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// RuntimeSettingsStore serves the current settings and persists updates.
type RuntimeSettingsStore struct {
	path string

	mu      sync.RWMutex
	current RuntimeSettings
}

func NewRuntimeSettingsStore(path string, initial RuntimeSettings) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeSettingsStore{
		path:    path,
		current: initial,
	}, nil
}

func (s *RuntimeSettingsStore) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *RuntimeSettingsStore) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return next, nil
}
