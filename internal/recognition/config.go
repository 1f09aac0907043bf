package recognition

import (
	"fmt"
	"time"
)

// Config holds the configuration of the HTTP batch client.
//
// Environment Variables:
// - OCR_API_URL: base URL of the batch API (required)
// - OCR_API_KEY: bearer token (optional)
// - OCR_TIMEOUT: per-request timeout (default: 60s)
// - OCR_LANGUAGES: comma separated recognition languages (optional)
type Config struct {
	APIURL    string        `json:"api_url"`
	APIKey    string        `json:"api_key"`
	Timeout   time.Duration `json:"timeout"`
	Languages []string      `json:"languages"`
}

func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("API URL is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	return nil
}

func (c *Config) headers() map[string]string {
	headers := map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/json",
	}
	if c.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.APIKey
	}
	return headers
}
