package keel

import (
	"strings"
	"testing"

	"pkt.systems/pslog"

	"github.com/quorumgrid/keel/internal/clock"
)

func TestBuildS3Config(t *testing.T) {
	t.Parallel()

	cfg, err := BuildS3Config("s3://minio.local:9000/keel-bucket/prod/conversations?insecure=1&path-style=1&region=us-east-1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Endpoint != "minio.local:9000" || cfg.Bucket != "keel-bucket" || cfg.Prefix != "prod/conversations" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !cfg.Insecure || !cfg.ForcePathStyle || cfg.Region != "us-east-1" {
		t.Fatalf("unexpected flags: %+v", cfg)
	}
}

func TestBuildS3ConfigStaticCredentials(t *testing.T) {
	t.Parallel()

	cfg, err := BuildS3Config("s3://host/bucket?access-key=ak&secret-key=sk")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.CustomCreds == nil {
		t.Fatal("expected static credentials")
	}

	if _, err := BuildS3Config("s3://host/bucket?access-key=ak"); err == nil || !strings.Contains(err.Error(), "credentials incomplete") {
		t.Fatalf("expected incomplete-credentials error, got %v", err)
	}
}

func TestBuildS3ConfigRejectsBadURLs(t *testing.T) {
	t.Parallel()

	for _, storeURL := range []string{
		"disk:///var/data",
		"s3:///bucket",
		"s3://host",
		"s3://host//",
	} {
		if _, err := BuildS3Config(storeURL); err == nil {
			t.Fatalf("expected error for %q", storeURL)
		}
	}
}

func TestOpenBackendMemory(t *testing.T) {
	t.Parallel()

	for _, storeURL := range []string{"mem://", "memory://", ""} {
		cfg := Config{Store: storeURL}
		cfg.Normalize()
		backend, err := OpenBackend(cfg, pslog.NoopLogger(), clock.Real{})
		if err != nil {
			t.Fatalf("open %q: %v", storeURL, err)
		}
		backend.Close()
	}
}

func TestOpenBackendRejectsUnknownScheme(t *testing.T) {
	t.Parallel()

	cfg := Config{Store: "ftp://host/bucket"}
	cfg.Normalize()
	if _, err := OpenBackend(cfg, pslog.NoopLogger(), clock.Real{}); err == nil {
		t.Fatal("expected unsupported-scheme error")
	}
}
