package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvProvider reads secrets from environment variables named by the key.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "environment" }

func (EnvProvider) Get(_ context.Context, key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", ErrSecretNotFound
	}
	return v, nil
}

// FileProvider reads secrets from one file per key, as mounted by Docker or
// Kubernetes. SECTRAIL_MASTER_KEY maps to <dir>/sectrail_master_key.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a provider rooted at dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

func (f *FileProvider) Name() string { return "file" }

func (f *FileProvider) Get(_ context.Context, key string) (string, error) {
	name := strings.ToLower(strings.NewReplacer("/", "_", "..", "_").Replace(key))
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	v := strings.TrimRight(string(data), "\r\n")
	if v == "" {
		return "", ErrSecretNotFound
	}
	return v, nil
}
