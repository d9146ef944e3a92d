package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const nginxDigest = "sha256:0f1b9b07a9a8f0e3e6ee04c1b5a2fde9c0b8d9e5fca3752c4a9a1e6e22a95f10"

// hubPair spins up fake auth and registry endpoints wired into a Client.
func hubPair(t *testing.T) (*Client, *int) {
	t.Helper()
	tokenRequests := 0

	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		if got := r.URL.Query().Get("scope"); got != "repository:library/nginx:pull" {
			t.Errorf("scope = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
	}))
	t.Cleanup(auth.Close)

	reg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("authorization = %q", got)
		}
		if !strings.Contains(r.Header.Get("Accept"), "application/vnd.oci.image.index.v1+json") {
			t.Errorf("accept = %q", r.Header.Get("Accept"))
		}
		if r.URL.Path != "/v2/library/nginx/manifests/1.25" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Docker-Content-Digest", nginxDigest)
	}))
	t.Cleanup(reg.Close)

	c := New(time.Second)
	c.AuthURL = auth.URL
	c.RegistryURL = reg.URL
	return c, &tokenRequests
}

func TestDigestDockerHub(t *testing.T) {
	t.Parallel()
	c, _ := hubPair(t)

	got, err := c.Digest(context.Background(), "nginx:1.25")
	if err != nil {
		t.Fatal(err)
	}
	if got != nginxDigest {
		t.Errorf("digest = %q, want %q", got, nginxDigest)
	}
}

func TestDigestTokenCached(t *testing.T) {
	t.Parallel()
	c, tokenRequests := hubPair(t)

	c.Digest(context.Background(), "nginx:1.25")
	c.Digest(context.Background(), "nginx:1.25")

	if *tokenRequests != 1 {
		t.Errorf("token requests = %d, want 1", *tokenRequests)
	}
}

func TestDigestUnknownTag(t *testing.T) {
	t.Parallel()
	c, _ := hubPair(t)

	got, err := c.Digest(context.Background(), "nginx:no-such-tag")
	if err != nil {
		t.Fatalf("missing tag must not error: %v", err)
	}
	if got != "" {
		t.Errorf("digest = %q, want empty", got)
	}
}

func TestDigestGenericRegistry(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/team/app/manifests/v3" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Docker-Content-Digest", nginxDigest)
	}))
	defer srv.Close()

	// The httptest host is a 127.0.0.1 address, which the client treats as a
	// plain-HTTP registry domain.
	host := strings.TrimPrefix(srv.URL, "http://")
	c := New(time.Second)

	got, err := c.Digest(context.Background(), host+"/team/app:v3")
	if err != nil {
		t.Fatal(err)
	}
	if got != nginxDigest {
		t.Errorf("digest = %q, want %q", got, nginxDigest)
	}
}

func TestDigestPinnedReference(t *testing.T) {
	t.Parallel()
	c := New(time.Second)

	got, err := c.Digest(context.Background(), "nginx@"+nginxDigest)
	if err != nil {
		t.Fatal(err)
	}
	if got != nginxDigest {
		t.Errorf("digest = %q, want %q", got, nginxDigest)
	}
}

func TestDigestFailuresAreEmpty(t *testing.T) {
	t.Parallel()

	t.Run("unreachable registry", func(t *testing.T) {
		t.Parallel()
		c := New(200 * time.Millisecond)
		c.AuthURL = "http://127.0.0.1:1"
		if got, err := c.Digest(context.Background(), "nginx:1.25"); err != nil || got != "" {
			t.Errorf("got (%q, %v), want empty and nil", got, err)
		}
	})

	t.Run("invalid reference", func(t *testing.T) {
		t.Parallel()
		c := New(time.Second)
		if got, err := c.Digest(context.Background(), "UPPER CASE??"); err != nil || got != "" {
			t.Errorf("got (%q, %v), want empty and nil", got, err)
		}
	})

	t.Run("malformed digest header", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Docker-Content-Digest", "not-a-digest")
		}))
		defer srv.Close()
		host := strings.TrimPrefix(srv.URL, "http://")
		c := New(time.Second)
		if got, err := c.Digest(context.Background(), host+"/team/app:v3"); err != nil || got != "" {
			t.Errorf("got (%q, %v), want empty and nil", got, err)
		}
	})
}
