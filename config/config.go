package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/phuslu/log"
)

const (
	defaultBlockSize      = 4096
	defaultPoolPageSize   = 65536
	defaultPoolMaxPages   = 1024
	defaultSortBufferSize = 16384
)

type EngineConfig struct {
	ArchiveDirectory   string
	BlockSize          uint32
	PoolPageSize       uint32
	PoolMaxPages       int
	SortBufferCapacity int
	LogLevel           log.Level
}

func LoadConfig() EngineConfig {
	godotenv.Load(".env")
	return EngineConfig{
		ArchiveDirectory:   os.Getenv("ARCHIVE_DIRECTORY"),
		BlockSize:          uint32(envInt("ARCHIVE_BLOCK_SIZE", defaultBlockSize)),
		PoolPageSize:       uint32(envInt("POOL_PAGE_SIZE", defaultPoolPageSize)),
		PoolMaxPages:       envInt("POOL_MAX_PAGES", defaultPoolMaxPages),
		SortBufferCapacity: envInt("SORT_BUFFER_CAPACITY", defaultSortBufferSize),
		LogLevel:           log.ParseLevel(envString("LOG_LEVEL", "info")),
	}
}

func envString(key string, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
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
