package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv reads a .env file next to the config into the process
// environment. Variables that are already set win.
func LoadDotEnv(configPath string) {
	p := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(p); err != nil {
		return
	}
	if err := godotenv.Load(p); err != nil {
		log.Printf("config: ignoring %s: %v", p, err)
	}
}

// ApplyEnv overrides settings from FORMSYNC_* variables.
func ApplyEnv(c *Config) {
	c.Server.HTTPAddr = getenv("FORMSYNC_HTTP_ADDR", c.Server.HTTPAddr)
	if v := os.Getenv("FORMSYNC_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	c.Server.AdminPasswordHash = getenv("FORMSYNC_ADMIN_PASSWORD_HASH", c.Server.AdminPasswordHash)

	c.Storage.DSN = getenv("FORMSYNC_STORAGE_DSN", c.Storage.DSN)
	c.Storage.InactiveAfterHours = getenvInt("FORMSYNC_INACTIVE_AFTER_HOURS", c.Storage.InactiveAfterHours)

	c.Sync.Backend = getenv("FORMSYNC_SYNC_BACKEND", c.Sync.Backend)
	c.Sync.Dir = getenv("FORMSYNC_SYNC_DIR", c.Sync.Dir)
	c.Sync.RedisURL = getenv("FORMSYNC_REDIS_URL", c.Sync.RedisURL)
	c.Sync.PollIntervalMs = getenvInt("FORMSYNC_SYNC_POLL_MS", c.Sync.PollIntervalMs)

	c.Blob.Backend = getenv("FORMSYNC_BLOB_BACKEND", c.Blob.Backend)
	c.Blob.Dir = getenv("FORMSYNC_BLOB_DIR", c.Blob.Dir)
	c.Blob.PublicBase = getenv("FORMSYNC_BLOB_PUBLIC_BASE", c.Blob.PublicBase)
	c.Blob.MinioEndpoint = getenv("FORMSYNC_MINIO_ENDPOINT", c.Blob.MinioEndpoint)
	c.Blob.MinioAccessKey = getenv("FORMSYNC_MINIO_ACCESS_KEY", c.Blob.MinioAccessKey)
	c.Blob.MinioSecretKey = getenv("FORMSYNC_MINIO_SECRET_KEY", c.Blob.MinioSecretKey)
	c.Blob.MinioBucket = getenv("FORMSYNC_MINIO_BUCKET", c.Blob.MinioBucket)
	c.Blob.MinioSecure = getenvBool("FORMSYNC_MINIO_SECURE", c.Blob.MinioSecure)

	c.Auth.Secret = getenv("FORMSYNC_AUTH_SECRET", c.Auth.Secret)
	if v := os.Getenv("FORMSYNC_STUN_URLS"); v != "" {
		c.Call.STUNURLs = splitList(v)
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
