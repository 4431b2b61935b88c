package keel

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"github.com/quorumgrid/keel/internal/clock"
	"github.com/quorumgrid/keel/storage"
	"github.com/quorumgrid/keel/storage/memory"
	"github.com/quorumgrid/keel/storage/retry"
	"github.com/quorumgrid/keel/storage/s3"
)

// OpenBackend resolves cfg.Store into a backend wrapped with the
// transient-error retry layer.
func OpenBackend(cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	var backend storage.Backend
	switch strings.ToLower(u.Scheme) {
	case "memory", "mem", "":
		backend = memory.New()
	case "s3":
		s3cfg, err := BuildS3Config(cfg.Store)
		if err != nil {
			return nil, err
		}
		backend, err = s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureObjectStoreReady(backend); err != nil {
			backend.Close()
			return nil, err
		}
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	return retry.Wrap(backend, logger, clk, cfg.StorageRetry), nil
}

// BuildS3Config parses s3:// URLs that target S3-compatible services
// (MinIO, AWS, etc.). Recognized query parameters: scheme, tls,
// secure, insecure, path-style, region, access-key, secret-key.
// Credentials fall back to the client's environment chain when not in
// the URL.
func BuildS3Config(storeURL string) (s3.Config, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return s3.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if bucket == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing bucket name")
	}
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("secure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	var creds *minioCredentials.Credentials
	if access := query.Get("access-key"); access != "" {
		secret := query.Get("secret-key")
		if secret == "" {
			return s3.Config{}, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
		}
		creds = minioCredentials.NewStaticV4(access, secret, "")
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         query.Get("region"),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    creds,
	}, nil
}

func ensureObjectStoreReady(backend storage.Backend) error {
	s3store, ok := backend.(*s3.Store)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := s3store.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("s3 store: check bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3 store: bucket does not exist")
	}
	return nil
}
