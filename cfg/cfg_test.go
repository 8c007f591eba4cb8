package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("CONFIG_FILE", "")
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Search.TopK != 10 {
		t.Errorf("TopK mismatch: got %d, want 10", c.Search.TopK)
	}
	if c.Search.ScoreThreshold != 0.6 {
		t.Errorf("ScoreThreshold mismatch: got %v, want 0.6", c.Search.ScoreThreshold)
	}
	if c.PublicIndexCap != 100 {
		t.Errorf("PublicIndexCap mismatch: got %d, want 100", c.PublicIndexCap)
	}
	if c.IdentityHeader != "Cf-Access-Authenticated-User-Email" {
		t.Errorf("IdentityHeader mismatch: got %q", c.IdentityHeader)
	}
	if c.DevIdentity != "dev-user@example.com" {
		t.Errorf("DevIdentity mismatch: got %q", c.DevIdentity)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("SEARCH_SCORE_THRESHOLD", "0.75")
	t.Setenv("REINDEX_TIMEOUT", "3s")
	t.Setenv("VECTOR_ADDRS", "a:6379, b:6379,")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Search.ScoreThreshold != 0.75 {
		t.Errorf("ScoreThreshold mismatch: got %v, want 0.75", c.Search.ScoreThreshold)
	}
	if c.Reindex.Timeout != 3*time.Second {
		t.Errorf("Reindex.Timeout mismatch: got %v, want 3s", c.Reindex.Timeout)
	}
	if len(c.Vector.Addrs) != 2 || c.Vector.Addrs[1] != "b:6379" {
		t.Errorf("Vector.Addrs mismatch: got %v", c.Vector.Addrs)
	}
}

func TestLoad_InvalidNumber(t *testing.T) {
	isolate(t)
	t.Setenv("SEARCH_TOP_K", "ten")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric SEARCH_TOP_K")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "pastel.yaml")
	doc := []byte("search:\n  top_k: 5\nvector:\n  addrs: [\"x:1\", \"y:2\"]\n  index: other_idx\n")
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("VECTOR_INDEX", "env_idx")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Search.TopK != 5 {
		t.Errorf("TopK mismatch: got %d, want 5", c.Search.TopK)
	}
	if len(c.Vector.Addrs) != 2 || c.Vector.Addrs[0] != "x:1" {
		t.Errorf("Vector.Addrs mismatch: got %v", c.Vector.Addrs)
	}
	if c.Vector.Index != "env_idx" {
		t.Errorf("env should win over file: got %q", c.Vector.Index)
	}
}

func TestValidate(t *testing.T) {
	isolate(t)
	base, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	base.DatabasePath = ":memory:"
	if err := Validate(base); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Cfg)
	}{
		{"bad port", func(c *Cfg) { c.Port = "http" }},
		{"bad env", func(c *Cfg) { c.Environment = "qa" }},
		{"db outside workdir", func(c *Cfg) { c.DatabasePath = "/tmp/elsewhere/pastel.db" }},
		{"threshold out of range", func(c *Cfg) { c.Search.ScoreThreshold = 1.5 }},
		{"zero cap", func(c *Cfg) { c.PublicIndexCap = 0 }},
		{"redis scheme", func(c *Cfg) { c.RedisURL = "http://localhost:6379" }},
		{"rediss without tls", func(c *Cfg) { c.RedisURL = "rediss://localhost:6379" }},
		{"bad proxy", func(c *Cfg) { c.TrustedProxies = []string{"10.0.0.0/99"} }},
		{"production without metrics auth", func(c *Cfg) { c.Environment = "production" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			if err := Validate(&c); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSecret_Wipe(t *testing.T) {
	s := NewSecret("hunter2")
	if s.String() != "***REDACTED***" {
		t.Errorf("String leaked secret: %q", s.String())
	}
	s.Wipe()
	for _, b := range []byte(s.Value()) {
		if b != 0 {
			t.Fatal("Wipe left secret bytes behind")
		}
	}
}
