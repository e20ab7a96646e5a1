package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_AuthDefaults(t *testing.T) {
	os.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	os.Setenv("DB_PASSWORD", "test")
	defer os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	tests := []struct {
		name     string
		actual   time.Duration
		expected time.Duration
	}{
		{"SessionTokenExpiry", cfg.Auth.SessionTokenExpiry, 1 * time.Hour},
		{"LockoutDuration", cfg.Auth.LockoutDuration, 15 * time.Minute},
		{"ResetTokenExpiry", cfg.Auth.ResetTokenExpiry, 1 * time.Hour},
	}

	for _, tt := range tests {
		if tt.actual != tt.expected {
			t.Errorf("%s: got %v, want %v", tt.name, tt.actual, tt.expected)
		}
	}

	if cfg.Auth.MaxFailedLogins != 5 {
		t.Errorf("MaxFailedLogins: got %d, want 5", cfg.Auth.MaxFailedLogins)
	}
}

func TestLoad_AuthCustomValues(t *testing.T) {
	os.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	os.Setenv("DB_PASSWORD", "test")
	os.Setenv("MAX_FAILED_LOGINS", "3")
	os.Setenv("LOCKOUT_DURATION", "30m")
	os.Setenv("SESSION_TOKEN_EXPIRY", "2h")
	defer os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	if cfg.Auth.MaxFailedLogins != 3 {
		t.Errorf("MaxFailedLogins: got %d, want 3", cfg.Auth.MaxFailedLogins)
	}
	if cfg.Auth.LockoutDuration != 30*time.Minute {
		t.Errorf("LockoutDuration: got %v, want 30m", cfg.Auth.LockoutDuration)
	}
	if cfg.Auth.SessionTokenExpiry != 2*time.Hour {
		t.Errorf("SessionTokenExpiry: got %v, want 2h", cfg.Auth.SessionTokenExpiry)
	}
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	os.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	os.Setenv("DB_PASSWORD", "test")
	os.Setenv("LOCKOUT_DURATION", "not-a-duration")
	defer os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	if cfg.Auth.LockoutDuration != 15*time.Minute {
		t.Errorf("LockoutDuration with invalid value: got %v, want 15m", cfg.Auth.LockoutDuration)
	}
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_PASSWORD", "test")
	defer os.Clearenv()

	if _, err := Load(); err == nil {
		t.Fatal("Load() without JWT_SECRET should fail")
	}
}

func TestLoad_MissingDBPassword(t *testing.T) {
	os.Clearenv()
	os.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	defer os.Clearenv()

	if _, err := Load(); err == nil {
		t.Fatal("Load() without DB_PASSWORD should fail")
	}
}

func TestValidateJWTSecret(t *testing.T) {
	tests := []struct {
		name      string
		secret    string
		env       string
		shouldErr bool
	}{
		{"strong production secret", "a-very-long-production-secret-key!!", "production", false},
		{"short production secret", "tooshort", "production", true},
		{"development allows 16 chars", "sixteen-chars-ok", "development", false},
		{"weak value rejected", "secretkey", "development", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateJWTSecret(tt.secret, tt.env)
			if tt.shouldErr && err == nil {
				t.Errorf("validateJWTSecret(%q, %q) = nil, want error", tt.secret, tt.env)
			}
			if !tt.shouldErr && err != nil {
				t.Errorf("validateJWTSecret(%q, %q) = %v, want nil", tt.secret, tt.env, err)
			}
		})
	}
}

func TestLoad_InvalidMaxFailedLogins(t *testing.T) {
	os.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	os.Setenv("DB_PASSWORD", "test")
	os.Setenv("MAX_FAILED_LOGINS", "0")
	defer os.Clearenv()

	if _, err := Load(); err == nil {
		t.Fatal("Load() with MAX_FAILED_LOGINS=0 should fail")
	}
}
