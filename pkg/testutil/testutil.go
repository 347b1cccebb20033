// Package testutil provides a fake Business Central server and fixtures for
// tests that exercise the extraction end to end.
package testutil

import (
	"time"

	"github.com/ajitpratap0/nebula-bc/pkg/config"
)

// TestConfig returns a valid configuration pointed at apiBase with a
// millisecond retry budget
func TestConfig(apiBase string) *config.Config {
	cfg := config.NewConfig()
	cfg.Source.ClientID = "client"
	cfg.Source.ClientSecret = "secret"
	cfg.Source.RefreshToken = "refresh"
	cfg.Source.EnvironmentName = "production"
	cfg.Source.StartDate = "2024-01-01"
	cfg.Source.APIBaseURL = apiBase
	cfg.Source.TokenURL = apiBase + TokenPath
	cfg.Timeouts.Request = 5 * time.Second
	cfg.Reliability.RetryAttempts = 2
	cfg.Reliability.RetryDelay = time.Millisecond
	cfg.Reliability.MaxRetryDelay = 5 * time.Millisecond
	cfg.Reliability.RetryJitter = 0
	cfg.Performance.BufferSize = 16
	return cfg
}
