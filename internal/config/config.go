// Copyright 2026 The cortexd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads cortexd's typed runtime settings from YAML, with
// bilingual key aliases, CORTEXD_-prefixed env overrides, and fsnotify-driven
// hot reload. Grounded on the teacher's internal/config.LoadConfigOptional
// (defaults-before-unmarshal, startup-fatal on structural YAML errors,
// optional-missing-file tolerance) and internal/steering/engine.go's
// fsnotify.Watcher lifecycle for the hot-reload half.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Backend selects where inference actually runs.
type Backend string

const (
	BackendLocalCPU Backend = "local-cpu"
	BackendRemoteGPU Backend = "remote-gpu"
)

// RuntimeConfig is `runtime.*`.
type RuntimeConfig struct {
	Backend            Backend `yaml:"backend"`
	MaxConcurrentModels int    `yaml:"max_concurrent_models"`
	WorkerThreads      int     `yaml:"worker_threads"`
}

// MemoryConfig is `memory.*`.
type MemoryConfig struct {
	MaxRAMBytes    uint64 `yaml:"max_ram_bytes"`
	IdleTTLSeconds int    `yaml:"idle_ttl_seconds"`
	UseMmap        bool   `yaml:"use_mmap"`
	LockResident   bool   `yaml:"lock_resident"`
}

// CascadeTierConfig is one of `cascade.tier1` / `cascade.tier2`.
type CascadeTierConfig struct {
	MinConfidence float64 `yaml:"min_confidence"`
}

// CascadeConfig is `cascade.*`.
type CascadeConfig struct {
	Tier1         CascadeTierConfig `yaml:"tier1"`
	Tier2         CascadeTierConfig `yaml:"tier2"`
	ForcePatterns []string          `yaml:"force_patterns"`
}

// HealthConfig is `health.*`.
type HealthConfig struct {
	OOMWarnSeconds int     `yaml:"oom_warn_seconds"`
	EWMAAlpha      float64 `yaml:"ewma_alpha"`
}

// CacheConfig is `cache.*`.
type CacheConfig struct {
	SemanticTTLSeconds int    `yaml:"semantic_ttl_seconds"`
	QuantLevels        int    `yaml:"quant_levels"`
	PersistPath        string `yaml:"persist_path"`
}

// MetaControlConfig is `metacontrol.*` (FULL addition: the phase-counter
// persistence location backing internal/metacontrol's restart resume).
type MetaControlConfig struct {
	Phase2PromoteAt int64  `yaml:"phase2_promote_at"`
	Phase3PromoteAt int64  `yaml:"phase3_promote_at"`
	PersistPath     string `yaml:"persist_path"`
}

// EmbeddingConfig is `embedding.*` (FULL addition: the ONNX model location).
type EmbeddingConfig struct {
	ModelPath string `yaml:"model_path"`
	VocabPath string `yaml:"vocab_path"`
	SharedLib string `yaml:"shared_lib"`
}

// RefinerConfig is `refiner.*` (FULL addition).
type RefinerConfig struct {
	Enabled              bool    `yaml:"enabled"`
	MaxIterations        int     `yaml:"max_iterations"`
	ConvergenceThreshold float64 `yaml:"convergence_threshold"`
	MinQueryLength       int     `yaml:"min_query_length"`
}

// ServerConfig is `server.*` (FULL addition: the HTTP surface bind address).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuditConfig is `audit.*` (FULL addition).
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is the full typed settings document.
type Config struct {
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Memory      MemoryConfig      `yaml:"memory"`
	Cascade     CascadeConfig     `yaml:"cascade"`
	Health      HealthConfig      `yaml:"health"`
	Cache       CacheConfig       `yaml:"cache"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Refiner     RefinerConfig     `yaml:"refiner"`
	Server      ServerConfig      `yaml:"server"`
	Audit       AuditConfig       `yaml:"audit"`
	MetaControl MetaControlConfig `yaml:"metacontrol"`
}

// Defaults returns the spec's literal safe defaults, used as the
// before-unmarshal baseline so missing sections keep sane values.
func Defaults() Config {
	return Config{
		Runtime: RuntimeConfig{Backend: BackendLocalCPU, MaxConcurrentModels: 2, WorkerThreads: 4},
		Memory:  MemoryConfig{MaxRAMBytes: 8 << 30, IdleTTLSeconds: 300, UseMmap: true, LockResident: false},
		Cascade: CascadeConfig{
			Tier1: CascadeTierConfig{MinConfidence: 0.85},
			Tier2: CascadeTierConfig{MinConfidence: 0.6},
		},
		Health: HealthConfig{OOMWarnSeconds: 60, EWMAAlpha: 0.3},
		Cache:  CacheConfig{SemanticTTLSeconds: 600, QuantLevels: 32, PersistPath: "./state/semcache.ndjson"},
		Embedding: EmbeddingConfig{
			ModelPath: "./models/minilm.onnx",
			VocabPath: "./models/vocab.txt",
		},
		Refiner: RefinerConfig{Enabled: true, MaxIterations: 3, ConvergenceThreshold: 0.95, MinQueryLength: 10},
		Server:  ServerConfig{Host: "localhost", Port: 8080},
		Audit:   AuditConfig{Enabled: true, Path: "./logs/audit.ndjson"},
		MetaControl: MetaControlConfig{
			Phase2PromoteAt: 500,
			Phase3PromoteAt: 5000,
			PersistPath:     "./state/metacontrol.ndjson",
		},
	}
}

// Load reads configFile, applies bilingual aliases, env overrides, and
// defaults-before-unmarshal. A missing file is not an error: the process
// starts on defaults. A structurally malformed file (bad YAML, wrong
// types) is startup-fatal, matching the teacher's LoadConfigOptional
// split between "absent" (tolerated) and "present but broken" (fatal).
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load() // local .env is optional; ignore ErrNotExist

	cfg := Defaults()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		switch {
		case err == nil:
			resolved := resolveAliases(data)
			if uerr := yaml.Unmarshal(resolved, &cfg); uerr != nil {
				return nil, fmt.Errorf("config: %s: %w", configFile, uerr)
			}
			warnUnknownKeys(resolved)
		case os.IsNotExist(err), isDir(err):
			logrus.WithField("path", configFile).Warn("config file not found, starting on defaults")
		default:
			return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func isDir(err error) bool {
	return err != nil && strings.Contains(err.Error(), syscall.EISDIR.Error())
}

// applyEnvOverrides applies CORTEXD_-prefixed environment variables over
// whatever was decoded from YAML. Only scalar leaves are overridable; list
// fields (force_patterns) are YAML/alias-table only.
func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnv("CORTEXD_RUNTIME_BACKEND"); ok {
		cfg.Runtime.Backend = Backend(v)
	}
	if v, ok := envInt("CORTEXD_RUNTIME_MAX_CONCURRENT_MODELS"); ok {
		cfg.Runtime.MaxConcurrentModels = v
	}
	if v, ok := envInt("CORTEXD_RUNTIME_WORKER_THREADS"); ok {
		cfg.Runtime.WorkerThreads = v
	}
	if v, ok := envUint("CORTEXD_MEMORY_MAX_RAM_BYTES"); ok {
		cfg.Memory.MaxRAMBytes = v
	}
	if v, ok := envInt("CORTEXD_MEMORY_IDLE_TTL_SECONDS"); ok {
		cfg.Memory.IdleTTLSeconds = v
	}
	if v, ok := envFloat("CORTEXD_CASCADE_TIER1_MIN_CONFIDENCE"); ok {
		cfg.Cascade.Tier1.MinConfidence = v
	}
	if v, ok := envFloat("CORTEXD_CASCADE_TIER2_MIN_CONFIDENCE"); ok {
		cfg.Cascade.Tier2.MinConfidence = v
	}
	if v, ok := envInt("CORTEXD_HEALTH_OOM_WARN_SECONDS"); ok {
		cfg.Health.OOMWarnSeconds = v
	}
	if v, ok := envFloat("CORTEXD_HEALTH_EWMA_ALPHA"); ok {
		cfg.Health.EWMAAlpha = v
	}
	if v, ok := envInt("CORTEXD_CACHE_SEMANTIC_TTL_SECONDS"); ok {
		cfg.Cache.SemanticTTLSeconds = v
	}
	if v, ok := envInt("CORTEXD_CACHE_QUANT_LEVELS"); ok {
		cfg.Cache.QuantLevels = v
	}
	if v, ok := lookupEnv("CORTEXD_CACHE_PERSIST_PATH"); ok {
		cfg.Cache.PersistPath = v
	}
	if v, ok := lookupEnv("CORTEXD_METACONTROL_PERSIST_PATH"); ok {
		cfg.MetaControl.PersistPath = v
	}
	if v, ok := lookupEnv("CORTEXD_MODEL_PATH"); ok {
		cfg.Embedding.ModelPath = v
	}
	if v, ok := lookupEnv("CORTEXD_SERVER_HOST"); ok {
		cfg.Server.Host = v
	}
	if v, ok := envInt("CORTEXD_SERVER_PORT"); ok {
		cfg.Server.Port = v
	}
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func envInt(key string) (int, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.WithField("key", key).Warn("config: ignoring malformed int env override")
		return 0, false
	}
	return n, true
}

func envUint(key string) (uint64, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		logrus.WithField("key", key).Warn("config: ignoring malformed uint env override")
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logrus.WithField("key", key).Warn("config: ignoring malformed float env override")
		return 0, false
	}
	return n, true
}
