package auth

import (
	"net/http"
	"net/http/httptest"
	"pastel/svc/util"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		dev    string
		header string
		want   string
	}{
		{"header wins", "dev-user@example.com", "alice@example.com", "alice@example.com"},
		{"dev fallback", "dev-user@example.com", "", "dev-user@example.com"},
		{"anonymous in production", "", "", ""},
		{"non-email kept as is", "dev-user@example.com", "service-token-42", "service-token-42"},
		{"display name kept as is", "", "Alice <alice@example.com>", "Alice <alice@example.com>"},
		{"whitespace trimmed", "", "  bob@example.com ", "bob@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewResolver("", tt.dev)
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set(DefaultHeader, tt.header)
			}
			if got := res.Resolve(r); got != tt.want {
				t.Errorf("Resolve mismatch: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddleware_SetsIdentity(t *testing.T) {
	res := NewResolver("X-User", "")
	var got string
	h := res.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = util.GetIdentity(r.Context())
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-User", "carol@example.com")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if got != "carol@example.com" {
		t.Errorf("identity mismatch: got %q, want carol@example.com", got)
	}

	got = "unset"
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if got != "" {
		t.Errorf("anonymous identity mismatch: got %q, want empty", got)
	}
}

func TestValidEmail(t *testing.T) {
	good := []string{"a@example.com", "first.last+tag@sub.example.org"}
	bad := []string{"", "plain", "@example.com", "a@", "<a@example.com>", "A <a@example.com>"}
	for _, s := range good {
		if !ValidEmail(s) {
			t.Errorf("ValidEmail(%q) = false, want true", s)
		}
	}
	for _, s := range bad {
		if ValidEmail(s) {
			t.Errorf("ValidEmail(%q) = true, want false", s)
		}
	}
}
