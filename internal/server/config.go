package server

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	Port           string
	DBPath         string
	AllowedOrigins []string
}

const (
	defaultPort          = "8080"
	defaultDBPath        = "data/vtt.db"
	defaultAllowedOrigin = "*"
)

// LoadConfig builds a Config instance using environment variables when
// present. A .env file in the working directory is loaded first, if any.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		Port:           getEnv("PORT", defaultPort),
		DBPath:         getEnv("DB_PATH", defaultDBPath),
		AllowedOrigins: parseAllowedOrigins(getEnv("ALLOWED_ORIGINS", defaultAllowedOrigin)),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseAllowedOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	var origins []string
	for _, origin := range parts {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{defaultAllowedOrigin}
	}
	return origins
}
