package config

import (
	"strings"
	"testing"
	"time"
)

func configuredViper(overrides map[string]any) map[string]any {
	values := map[string]any{
		"strava.client_id":       "abc",
		"strava.client_secret":   "shh",
		"strava.redirect_url":    "https://runnote.example/auth/strava/callback",
		"strava.verify_token":    "hunter2",
		"session.signing_secret": "session-secret",
	}
	for key, value := range overrides {
		values[key] = value
	}
	return values
}

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	for key, value := range configuredViper(nil) {
		configViper.Set(key, value)
	}

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address: %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath)
	}
	if cfg.SessionCookieName != defaultCookieName {
		t.Fatalf("unexpected cookie name: %q", cfg.SessionCookieName)
	}
	if cfg.SessionTTL != defaultSessionTTL {
		t.Fatalf("unexpected session ttl: %v", cfg.SessionTTL)
	}
	if cfg.SyncItemDelay != defaultSyncDelayMS*time.Millisecond {
		t.Fatalf("unexpected sync delay: %v", cfg.SyncItemDelay)
	}
}

func TestLoadRejectsMissingSecrets(t *testing.T) {
	tests := []struct {
		name    string
		blank   string
		wantMsg string
	}{
		{name: "client id", blank: "strava.client_id", wantMsg: "strava.client_id"},
		{name: "client secret", blank: "strava.client_secret", wantMsg: "strava.client_secret"},
		{name: "redirect url", blank: "strava.redirect_url", wantMsg: "strava.redirect_url"},
		{name: "verify token", blank: "strava.verify_token", wantMsg: "strava.verify_token"},
		{name: "session secret", blank: "session.signing_secret", wantMsg: "session.signing_secret"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range configuredViper(map[string]any{tc.blank: "  "}) {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected error for blank %s", tc.blank)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("error %q should name %s", err, tc.wantMsg)
			}
		})
	}
}
