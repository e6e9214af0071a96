package config

import (
	"strings"
	"testing"
	"time"
)

func FuzzEnvOrDefault(f *testing.F) {
	f.Add("", ":8080")
	f.Add("  :9090  ", ":8080")

	f.Fuzz(func(t *testing.T, value, fallback string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		const key = "SEGMENTZ_TEST_ENV_OR_DEFAULT"
		t.Setenv(key, value)

		got := envOrDefault(key, fallback)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if got != fallback {
				t.Fatalf("envOrDefault() = %q, want fallback %q", got, fallback)
			}
			return
		}

		if got != trimmed {
			t.Fatalf("envOrDefault() = %q, want trimmed value %q", got, trimmed)
		}
	})
}

func FuzzLoadMembershipCacheTTL(f *testing.F) {
	f.Add("")
	f.Add("1s")
	f.Add("0s")
	f.Add("-1s")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, ttl string) {
		if strings.ContainsRune(ttl, '\x00') {
			t.Skip()
		}

		t.Setenv("DATABASE_URL", "postgres://localhost/test")
		t.Setenv("HTTP_ADDR", "")
		t.Setenv("MEMBERSHIP_CACHE_TTL", ttl)

		cfg, err := Load()
		trimmed := strings.TrimSpace(ttl)
		if trimmed == "" {
			if err != nil {
				t.Fatalf("Load() error = %v, want nil for empty MEMBERSHIP_CACHE_TTL", err)
			}
			if cfg.MembershipCacheTTL != 0 {
				t.Fatalf("MembershipCacheTTL = %s, want 0", cfg.MembershipCacheTTL)
			}
			return
		}

		parsed, parseErr := time.ParseDuration(trimmed)
		if parseErr != nil || parsed < 0 {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for MEMBERSHIP_CACHE_TTL=%q", ttl)
			}
			return
		}

		if err != nil {
			t.Fatalf("Load() error = %v, want nil for MEMBERSHIP_CACHE_TTL=%q", err, ttl)
		}
		if cfg.MembershipCacheTTL != parsed {
			t.Fatalf("MembershipCacheTTL = %s, want %s", cfg.MembershipCacheTTL, parsed)
		}
	})
}
