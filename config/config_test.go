package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, int64(10)<<30, cfg.UploadConfig.MaxFileSize)
	require.Equal(t, int64(150)<<20, cfg.UploadConfig.ChunkSize)
	require.Equal(t, int64(5)<<30, cfg.UploadConfig.MaxChunkBytes)
	require.Equal(t, 9999, cfg.UploadConfig.MaxChunkIndex)
	require.Equal(t, 5, cfg.UploadConfig.ConflictRetries)
	require.Equal(t, "dynamodb", cfg.SessionsConfig.Backend)
	require.Equal(t, "s3", cfg.StorageConfig.Backend)
	require.Equal(t, []string{"*"}, cfg.ServiceConfig.AllowedOrigins)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-central-1")
	t.Setenv("UPLOAD_MAX_FILE_SIZE", "1048576")
	t.Setenv("UPLOAD_LISTING_CACHE_TTL", "30s")
	t.Setenv("SESSIONS_BACKEND", "Redis")
	t.Setenv("SERVICE_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, "eu-central-1", cfg.AWSConfig.Region)
	require.Equal(t, int64(1048576), cfg.UploadConfig.MaxFileSize)
	require.Equal(t, 30*time.Second, cfg.UploadConfig.ListingCacheTTL)
	require.Equal(t, "redis", cfg.SessionsConfig.Backend)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.ServiceConfig.AllowedOrigins)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uploads.yaml")
	content := `
storage:
  backend: minio
  bucket: media
upload:
  max_chunk_index: 99
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv(ConfigFileEnv, path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "minio", cfg.StorageConfig.Backend)
	require.Equal(t, "media", cfg.StorageConfig.Bucket)
	require.Equal(t, 99, cfg.UploadConfig.MaxChunkIndex)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	cfg.SessionsConfig.Backend = "postgres"
	cfg.PostgresConfig.DSN = ""
	require.ErrorContains(t, cfg.Validate(), "POSTGRES_DSN")

	cfg.SessionsConfig.Backend = "memory"
	cfg.StorageConfig.Backend = "ftp"
	require.ErrorContains(t, cfg.Validate(), "unknown storage backend")

	cfg.StorageConfig.Backend = "memory"
	cfg.UploadConfig.ConflictRetries = 0
	require.ErrorContains(t, cfg.Validate(), "UPLOAD_CONFLICT_RETRIES")

	cfg.UploadConfig.ConflictRetries = 5
	cfg.UploadConfig.MaxChunkBytes = -1
	require.ErrorContains(t, cfg.Validate(), "UPLOAD_MAX_CHUNK_BYTES")
}
