package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{ETag: aws.String("etag")}, nil
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty region", func(c *Config) { c.Region = "" }, true},
		{"empty bucket", func(c *Config) { c.Bucket = "" }, true},
		{"kms encryption", func(c *Config) { c.ServerSideEncryption = "aws:kms" }, false},
		{"bad encryption", func(c *Config) { c.ServerSideEncryption = "rot13" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestObjectStorageClass(t *testing.T) {
	tests := []struct {
		class    string
		expected string
	}{
		{"STANDARD", "STANDARD"},
		{"GLACIER_IR", "GLACIER_IR"},
		{"deep_archive", "DEEP_ARCHIVE"},
		{"unknown", "STANDARD"},
	}
	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			cfg := &Config{StorageClass: tt.class}
			if got := cfg.ObjectStorageClass(); string(got) != tt.expected {
				t.Errorf("ObjectStorageClass() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func writeSegment(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "audit-000001.log")
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestArchiveCompressed(t *testing.T) {
	fake := &fakeS3{}
	cfg := DefaultConfig()
	cfg.ServerSideEncryption = "AES256"
	a := NewArchiverWithClient(fake, cfg, nil)

	content := strings.Repeat(`{"sequence":1}`+"\n", 20)
	loc, err := a.Archive(context.Background(), writeSegment(t, content))
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if loc != "s3://sectrail-audit-archive/audit/audit-000001.log.gz" {
		t.Errorf("location = %s", loc)
	}

	in := fake.inputs[0]
	if in.ServerSideEncryption != types.ServerSideEncryptionAes256 {
		t.Errorf("expected AES256 encryption, got %v", in.ServerSideEncryption)
	}
	if in.StorageClass != types.StorageClassGlacierIr {
		t.Errorf("storage class = %v", in.StorageClass)
	}
	if len(in.Metadata["sha256"]) != 64 {
		t.Errorf("expected sha256 metadata, got %q", in.Metadata["sha256"])
	}

	zr, err := gzip.NewReader(bytes.NewReader(fake.bodies[0]))
	if err != nil {
		t.Fatal(err)
	}
	plain, _ := io.ReadAll(zr)
	if string(plain) != content {
		t.Error("decompressed object does not match segment")
	}

	if s := a.Stats(); s.ObjectsUploaded != 1 || s.Errors != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestArchiveUncompressed(t *testing.T) {
	fake := &fakeS3{}
	cfg := DefaultConfig()
	cfg.Compress = false
	cfg.Prefix = "ledger"
	a := NewArchiverWithClient(fake, cfg, nil)

	if _, err := a.Archive(context.Background(), writeSegment(t, "line\n")); err != nil {
		t.Fatal(err)
	}
	if got := aws.ToString(fake.inputs[0].Key); got != "ledger/audit-000001.log" {
		t.Errorf("key = %s", got)
	}
	if string(fake.bodies[0]) != "line\n" {
		t.Errorf("body = %q", fake.bodies[0])
	}
}

func TestArchiveErrors(t *testing.T) {
	a := NewArchiverWithClient(&fakeS3{err: errors.New("access denied")}, DefaultConfig(), nil)

	if _, err := a.Archive(context.Background(), writeSegment(t, "x")); err == nil {
		t.Error("expected upload error")
	}
	if _, err := a.Archive(context.Background(), filepath.Join(t.TempDir(), "missing.log")); err == nil {
		t.Error("expected read error")
	}
	if s := a.Stats(); s.Errors != 2 {
		t.Errorf("expected 2 errors, got %d", s.Errors)
	}
}
