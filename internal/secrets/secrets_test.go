package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type countingProvider struct {
	value string
	err   error
	calls int
}

func (c *countingProvider) Name() string { return "counting" }

func (c *countingProvider) Get(context.Context, string) (string, error) {
	c.calls++
	return c.value, c.err
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("SECTRAIL_TEST_SECRET", "from-env")

	v, err := EnvProvider{}.Get(context.Background(), "SECTRAIL_TEST_SECRET")
	if err != nil || v != "from-env" {
		t.Errorf("Get() = %q, %v", v, err)
	}
	if _, err := (EnvProvider{}).Get(context.Background(), "SECTRAIL_TEST_UNSET"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("err = %v, want ErrSecretNotFound", err)
	}
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sectrail_master_key"), []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := NewFileProvider(dir)

	v, err := p.Get(context.Background(), "SECTRAIL_MASTER_KEY")
	if err != nil || v != "from-file" {
		t.Errorf("Get() = %q, %v", v, err)
	}
	if _, err := p.Get(context.Background(), "MISSING"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("err = %v, want ErrSecretNotFound", err)
	}
	if _, err := p.Get(context.Background(), "../etc/passwd"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("traversal err = %v, want ErrSecretNotFound", err)
	}
}

func TestManagerFallback(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sectrail_test_fallback"), []byte("file-value"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(Config{FileDir: dir})

	v, err := m.Get(context.Background(), "SECTRAIL_TEST_FALLBACK")
	if err != nil || v != "file-value" {
		t.Fatalf("Get() = %q, %v", v, err)
	}

	t.Setenv("SECTRAIL_TEST_FALLBACK", "env-value")
	if v, _ := m.Get(context.Background(), "SECTRAIL_TEST_FALLBACK"); v != "env-value" {
		t.Errorf("environment should take precedence, got %q", v)
	}
}

func TestManagerNotFound(t *testing.T) {
	m := NewManager(Config{})
	_, err := m.Get(context.Background(), "SECTRAIL_TEST_NOWHERE")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("err = %v, want ErrSecretNotFound", err)
	}

	if _, err := NewManagerWithProviders(Config{}).Get(context.Background(), "x"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

func TestManagerSurfacesProviderErrors(t *testing.T) {
	boom := errors.New("permission denied")
	m := NewManagerWithProviders(Config{}, &countingProvider{err: boom}, &countingProvider{err: ErrSecretNotFound})
	if _, err := m.Get(context.Background(), "k"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestManagerCache(t *testing.T) {
	p := &countingProvider{value: "v"}
	m := NewManagerWithProviders(Config{CacheTTL: time.Minute}, p)

	for i := 0; i < 3; i++ {
		if v, err := m.Get(context.Background(), "k"); err != nil || v != "v" {
			t.Fatalf("Get() = %q, %v", v, err)
		}
	}
	if p.calls != 1 {
		t.Errorf("provider calls = %d, want 1", p.calls)
	}
}
