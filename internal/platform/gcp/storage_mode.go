package gcp

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

type ObjectStorageMode string

const (
	ObjectStorageModeGCS         ObjectStorageMode = "gcs"
	ObjectStorageModeGCSEmulator ObjectStorageMode = "gcs_emulator"
)

// ArtifactStorageConfig describes where generated media is written and how
// its public URLs are built.
type ArtifactStorageConfig struct {
	Mode          ObjectStorageMode
	EmulatorHost  string
	BucketName    string
	CDNDomain     string
	PublicBaseURL string
	// Prefix is prepended to every object key ("artifacts" by default).
	Prefix string
	// Credentials is a service account JSON document or key file path.
	Credentials string
}

func (cfg ArtifactStorageConfig) IsEmulatorMode() bool {
	return cfg.Mode == ObjectStorageModeGCSEmulator
}

type StorageConfigErrorCode string

const (
	StorageConfigErrorInvalidMode         StorageConfigErrorCode = "invalid_mode"
	StorageConfigErrorMissingBucket       StorageConfigErrorCode = "missing_bucket"
	StorageConfigErrorMissingEmulatorHost StorageConfigErrorCode = "missing_emulator_host"
	StorageConfigErrorInvalidURL          StorageConfigErrorCode = "invalid_url"
)

type StorageConfigError struct {
	Code  StorageConfigErrorCode
	Value string
	Cause error
}

func (e *StorageConfigError) Error() string {
	if e == nil {
		return "invalid artifact storage config"
	}
	switch e.Code {
	case StorageConfigErrorInvalidMode:
		return fmt.Sprintf("invalid OBJECT_STORAGE_MODE=%q (allowed: %q, %q)", e.Value, ObjectStorageModeGCS, ObjectStorageModeGCSEmulator)
	case StorageConfigErrorMissingBucket:
		return "ARTIFACT_GCS_BUCKET_NAME is required"
	case StorageConfigErrorMissingEmulatorHost:
		return fmt.Sprintf("OBJECT_STORAGE_MODE=%q requires STORAGE_EMULATOR_HOST", ObjectStorageModeGCSEmulator)
	case StorageConfigErrorInvalidURL:
		return fmt.Sprintf("invalid storage URL %q; expected absolute URL like http://fake-gcs:4443", e.Value)
	default:
		return "invalid artifact storage config"
	}
}

func (e *StorageConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func ResolveArtifactStorageConfigFromEnv() (ArtifactStorageConfig, error) {
	cfg := ArtifactStorageConfig{
		EmulatorHost:  strings.TrimRight(strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")), "/"),
		BucketName:    strings.TrimSpace(os.Getenv("ARTIFACT_GCS_BUCKET_NAME")),
		CDNDomain:     strings.TrimSpace(os.Getenv("ARTIFACT_CDN_DOMAIN")),
		PublicBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("OBJECT_STORAGE_PUBLIC_BASE_URL")), "/"),
		Prefix:        strings.Trim(strings.TrimSpace(os.Getenv("ARTIFACT_KEY_PREFIX")), "/"),
		Credentials:   firstEnv("GOOGLE_APPLICATION_CREDENTIALS_JSON", "GOOGLE_APPLICATION_CREDENTIALS"),
	}
	rawMode := strings.TrimSpace(os.Getenv("OBJECT_STORAGE_MODE"))
	switch ObjectStorageMode(strings.ToLower(rawMode)) {
	case "":
		if cfg.EmulatorHost != "" {
			cfg.Mode = ObjectStorageModeGCSEmulator
		} else {
			cfg.Mode = ObjectStorageModeGCS
		}
	case ObjectStorageModeGCS:
		cfg.Mode = ObjectStorageModeGCS
	case ObjectStorageModeGCSEmulator:
		cfg.Mode = ObjectStorageModeGCSEmulator
	default:
		return cfg, &StorageConfigError{Code: StorageConfigErrorInvalidMode, Value: rawMode}
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "artifacts"
	}
	if err := ValidateArtifactStorageConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}

func ValidateArtifactStorageConfig(cfg ArtifactStorageConfig) error {
	switch cfg.Mode {
	case ObjectStorageModeGCS, ObjectStorageModeGCSEmulator:
	default:
		return &StorageConfigError{Code: StorageConfigErrorInvalidMode, Value: string(cfg.Mode)}
	}
	if cfg.BucketName == "" {
		return &StorageConfigError{Code: StorageConfigErrorMissingBucket}
	}
	if cfg.IsEmulatorMode() {
		if cfg.EmulatorHost == "" {
			return &StorageConfigError{Code: StorageConfigErrorMissingEmulatorHost}
		}
		if err := checkAbsoluteURL(cfg.EmulatorHost); err != nil {
			return err
		}
	}
	if cfg.PublicBaseURL != "" {
		if err := checkAbsoluteURL(cfg.PublicBaseURL); err != nil {
			return err
		}
	}
	return nil
}

func checkAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || strings.TrimSpace(u.Scheme) == "" || strings.TrimSpace(u.Host) == "" {
		return &StorageConfigError{Code: StorageConfigErrorInvalidURL, Value: raw, Cause: err}
	}
	return nil
}
