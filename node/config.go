package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// TrailerSizeMax is the default bound on how large a single advertised
	// trailer may be. The chunk protocol itself is unbounded; this caps
	// the buffers the request_trailers payload owns.
	TrailerSizeMax = 16 << 20

	trailerSizeLimit = 1 << 30

	maxReplicaCount = 128
)

type Config struct {
	DataDir      string `json:"data_dir"`
	ReplicaIndex int    `json:"replica_index"`
	ReplicaCount int    `json:"replica_count"`

	// QuorumReplace is the number of matching peer advertisements required
	// before a candidate checkpoint is promoted to canonical. Zero selects
	// a simple majority of the cluster.
	QuorumReplace int `json:"quorum_replace"`

	// TrailerSizeMax bounds the buffers owned by the request_trailers
	// stage payload. Zero selects the package default.
	TrailerSizeMax uint64 `json:"trailer_size_max"`

	LogLevel string `json:"log_level"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".marlin"
	}
	return filepath.Join(home, ".marlin")
}

func DefaultConfig() Config {
	return Config{
		DataDir:      DefaultDataDir(),
		ReplicaIndex: 0,
		ReplicaCount: 3,
		LogLevel:     "info",
	}
}

// QuorumOrDefault resolves QuorumReplace, defaulting to a simple majority.
func (c Config) QuorumOrDefault() int {
	if c.QuorumReplace > 0 {
		return c.QuorumReplace
	}
	return c.ReplicaCount/2 + 1
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if cfg.ReplicaCount < 1 {
		return errors.New("replica_count must be >= 1")
	}
	if cfg.ReplicaCount > maxReplicaCount {
		return fmt.Errorf("replica_count must be <= %d", maxReplicaCount)
	}
	if cfg.ReplicaIndex < 0 || cfg.ReplicaIndex >= cfg.ReplicaCount {
		return fmt.Errorf("replica_index %d out of range for replica_count %d", cfg.ReplicaIndex, cfg.ReplicaCount)
	}
	if cfg.QuorumReplace < 0 {
		return errors.New("quorum_replace must be >= 0")
	}
	if cfg.QuorumReplace > cfg.ReplicaCount {
		return fmt.Errorf("quorum_replace %d exceeds replica_count %d", cfg.QuorumReplace, cfg.ReplicaCount)
	}
	if cfg.TrailerSizeMax > trailerSizeLimit {
		return fmt.Errorf("trailer_size_max must be <= %d", trailerSizeLimit)
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	return nil
}
