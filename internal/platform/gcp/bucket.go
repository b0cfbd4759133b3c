package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

// ArtifactBucket stores generated media (narration audio, rendered video,
// illustrations) and hands back the URL clients fetch it from.
type ArtifactBucket struct {
	log    *logger.Logger
	client *storage.Client
	cfg    ArtifactStorageConfig
}

func NewArtifactBucket(ctx context.Context, log *logger.Logger, cfg ArtifactStorageConfig) (*ArtifactBucket, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateArtifactStorageConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate artifact storage config: %w", err)
	}
	client, err := newStorageClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	b := &ArtifactBucket{
		log:    log.With("service", "ArtifactBucket"),
		client: client,
		cfg:    cfg,
	}
	b.log.Info("Artifact storage initialized",
		"mode", cfg.Mode,
		"bucket", cfg.BucketName,
		"cdn_domain", cfg.CDNDomain,
		"prefix", cfg.Prefix,
	)
	return b, nil
}

func newStorageClient(ctx context.Context, cfg ArtifactStorageConfig) (*storage.Client, error) {
	if cfg.IsEmulatorMode() {
		_ = os.Setenv("STORAGE_EMULATOR_HOST", cfg.EmulatorHost)
		return storage.NewClient(ctx, option.WithoutAuthentication())
	}
	opts := credentialOptions(cfg.Credentials)
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	return storage.NewClient(ctx, opts...)
}

// credentialOptions accepts inline JSON or a key file path. Empty falls
// back to application default credentials.
func credentialOptions(raw string) []option.ClientOption {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return nil
	case strings.HasPrefix(raw, "{"):
		return []option.ClientOption{option.WithCredentialsJSON([]byte(raw))}
	default:
		return []option.ClientOption{option.WithCredentialsFile(raw)}
	}
}

// Upload writes data under the configured prefix and returns its public URL.
func (b *ArtifactBucket) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if b == nil || b.client == nil {
		return "", fmt.Errorf("artifact bucket not initialized")
	}
	objectKey := b.objectKey(key)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := b.client.Bucket(b.cfg.BucketName).Object(objectKey).NewWriter(ctx)
	if contentType == "" {
		contentType = contentTypeForKey(objectKey)
	}
	if contentType != "" {
		w.ContentType = contentType
	}
	w.CacheControl = "public, max-age=31536000, immutable"
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write artifact %q: %w", objectKey, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close artifact writer %q: %w", objectKey, err)
	}
	b.log.Debug("artifact uploaded", "key", objectKey, "bytes", len(data))
	return b.PublicURL(key), nil
}

// Delete removes an object. A missing object is not an error.
func (b *ArtifactBucket) Delete(ctx context.Context, key string) error {
	if b == nil || b.client == nil {
		return fmt.Errorf("artifact bucket not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	objectKey := b.objectKey(key)
	err := b.client.Bucket(b.cfg.BucketName).Object(objectKey).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete artifact %q: %w", objectKey, err)
	}
	return nil
}

func (b *ArtifactBucket) PublicURL(key string) string {
	return publicURL(b.cfg, b.objectKey(key))
}

func (b *ArtifactBucket) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *ArtifactBucket) objectKey(key string) string {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if b.cfg.Prefix == "" {
		return key
	}
	return path.Join(b.cfg.Prefix, key)
}

func publicURL(cfg ArtifactStorageConfig, objectKey string) string {
	escaped := escapeKey(objectKey)
	if cfg.CDNDomain != "" {
		return fmt.Sprintf("https://%s/%s", cfg.CDNDomain, escaped)
	}
	if cfg.PublicBaseURL != "" {
		return fmt.Sprintf("%s/%s/%s", cfg.PublicBaseURL, cfg.BucketName, escaped)
	}
	if cfg.IsEmulatorMode() {
		return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media", cfg.EmulatorHost, cfg.BucketName, url.PathEscape(objectKey))
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", cfg.BucketName, escaped)
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.HasSuffix(s, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(s, ".ogg"):
		return "audio/ogg"
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".jpg"), strings.HasSuffix(s, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(s, ".webp"):
		return "image/webp"
	case strings.HasSuffix(s, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(s, ".webm"):
		return "video/webm"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	default:
		return ""
	}
}
