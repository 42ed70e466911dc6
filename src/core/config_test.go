package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var configEnvVars = []string{
	"CONFIG_FILE", "PORT", "ADVERTISE_ADDRESS", "SEED_NODES", "LOG_LEVEL",
	"RATE_LIMIT_PER_MINUTE", "MAX_BODY_SIZE_BYTES", "DATA_DIR",
	"SHUTDOWN_TIMEOUT", "HTTP_CLIENT_TIMEOUT", "DISCOVERY_INTERVAL",
	"TRUST_CACHE_TTL", "EPOCH_LENGTH", "TRUST_TIMEOUT", "CLAIM_TIMEOUT",
	"ADAPTATION_INTERVAL", "NODE_AUTH_SECRET", "REQUIRE_NODE_AUTH",
	"GOSSIP_TTL", "TRUST_MAX_PATH_LENGTH", "TRUST_MAX_ITERATIONS",
	"SELF_TRUST_POLICY", "PERSIST_FACTS", "IPFS_API_URL",
	"K_PAYMENT", "K_TRANSFER", "AGE_MATURITY_DAYS", "DAILY_MINT",
	"HSM_MODULE_PATH",
}

func clearConfigEnvVars(t *testing.T) {
	t.Helper()
	for _, name := range configEnvVars {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnvVars(t)

	cfg := LoadConfig()

	if cfg.Port != DefaultPort {
		t.Errorf("Expected default port '%s', got '%s'", DefaultPort, cfg.Port)
	}
	if len(cfg.SeedNodes) != 2 || cfg.SeedNodes[0] != "seed1.trustcore.net:8080" {
		t.Errorf("Expected the two default seed nodes, got %v", cfg.SeedNodes)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.RateLimitPerMinute != DefaultRateLimitPerMinute {
		t.Errorf("Expected default rate limit %d, got %d", DefaultRateLimitPerMinute, cfg.RateLimitPerMinute)
	}
	if cfg.MaxBodySizeBytes != DefaultMaxBodySizeBytes {
		t.Errorf("Expected default max body size %d, got %d", DefaultMaxBodySizeBytes, cfg.MaxBodySizeBytes)
	}
	if cfg.GossipTTL != DefaultGossipTTL {
		t.Errorf("Expected default gossip TTL %d, got %d", DefaultGossipTTL, cfg.GossipTTL)
	}
	if !cfg.PersistFacts {
		t.Error("Expected facts to be persisted by default")
	}
	if cfg.Trust.MaxPathLength != 4 || cfg.Trust.SelfTrustPolicy != SelfTrustReject {
		t.Errorf("Unexpected trust defaults: %+v", cfg.Trust)
	}
	if cfg.Detector.Confidence != 0.99 || cfg.Detector.ClaimTimeout != 10*time.Minute {
		t.Errorf("Unexpected detector defaults: %+v", cfg.Detector)
	}
	if err := cfg.Parameters.Validate(); err != nil {
		t.Errorf("Expected default parameters to be valid: %v", err)
	}
	if cfg.Parameters.KPayment != 5 || cfg.Parameters.AgeMaturityDays != 90 {
		t.Errorf("Unexpected parameter defaults: %+v", cfg.Parameters)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearConfigEnvVars(t)
	t.Setenv("PORT", "9090")
	t.Setenv("SEED_NODES", `["node1.example.com:8080","node2.example.com:8080","node3.example.com:8080"]`)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "250")
	t.Setenv("HTTP_CLIENT_TIMEOUT", "9s")
	t.Setenv("CLAIM_TIMEOUT", "2m")
	t.Setenv("NODE_AUTH_SECRET", "s3cret")
	t.Setenv("REQUIRE_NODE_AUTH", "true")
	t.Setenv("GOSSIP_TTL", "7")
	t.Setenv("SELF_TRUST_POLICY", SelfTrustSentinel)
	t.Setenv("PERSIST_FACTS", "false")
	t.Setenv("K_PAYMENT", "8")

	cfg := LoadConfig()

	if cfg.Port != "9090" {
		t.Errorf("Expected port '9090', got '%s'", cfg.Port)
	}
	if len(cfg.SeedNodes) != 3 {
		t.Errorf("Expected 3 seed nodes, got %d", len(cfg.SeedNodes))
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.LogLevel)
	}
	if cfg.RateLimitPerMinute != 250 {
		t.Errorf("Expected rate limit 250, got %d", cfg.RateLimitPerMinute)
	}
	if cfg.HTTPClientTimeout != 9*time.Second {
		t.Errorf("Expected HTTP client timeout 9s, got %v", cfg.HTTPClientTimeout)
	}
	if cfg.Detector.ClaimTimeout != 2*time.Minute {
		t.Errorf("Expected claim timeout 2m, got %v", cfg.Detector.ClaimTimeout)
	}
	if cfg.NodeAuthSecret != "s3cret" || !cfg.RequireNodeAuth {
		t.Error("Expected node auth settings from env")
	}
	if cfg.GossipTTL != 7 {
		t.Errorf("Expected gossip TTL 7, got %d", cfg.GossipTTL)
	}
	if cfg.Trust.SelfTrustPolicy != SelfTrustSentinel {
		t.Errorf("Expected self-trust policy %s, got %s", SelfTrustSentinel, cfg.Trust.SelfTrustPolicy)
	}
	if cfg.PersistFacts {
		t.Error("Expected PERSIST_FACTS=false to disable persistence")
	}
	if cfg.Parameters.KPayment != 8 {
		t.Errorf("Expected kPayment 8, got %v", cfg.Parameters.KPayment)
	}
}

func TestLoadConfigIgnoresInvalidEnv(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		value string
		check func(*Config) bool
	}{
		{"seed nodes not JSON", "SEED_NODES", "not-json", func(c *Config) bool { return len(c.SeedNodes) == 2 }},
		{"empty seed node array", "SEED_NODES", "[]", func(c *Config) bool { return len(c.SeedNodes) == 2 }},
		{"negative rate limit", "RATE_LIMIT_PER_MINUTE", "-5", func(c *Config) bool { return c.RateLimitPerMinute == DefaultRateLimitPerMinute }},
		{"non-numeric body size", "MAX_BODY_SIZE_BYTES", "big", func(c *Config) bool { return c.MaxBodySizeBytes == DefaultMaxBodySizeBytes }},
		{"bad duration", "SHUTDOWN_TIMEOUT", "soon", func(c *Config) bool { return c.ShutdownTimeout == DefaultShutdownTimeout }},
		{"unknown self-trust policy", "SELF_TRUST_POLICY", "maybe", func(c *Config) bool { return c.Trust.SelfTrustPolicy == SelfTrustReject }},
		{"zero kPayment", "K_PAYMENT", "0", func(c *Config) bool { return c.Parameters.KPayment == 5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnvVars(t)
			t.Setenv(tt.env, tt.value)
			if cfg := LoadConfig(); !tt.check(cfg) {
				t.Errorf("Expected %s=%q to be ignored", tt.env, tt.value)
			}
		})
	}
}

func TestLoadConfigFromYAMLFile(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", `
port: "7070"
seed_nodes:
  - "a.example.com:8080"
log_level: warn
http_client_timeout: 3s
epoch_length: 12h
gossip_ttl: 6
persist_facts: false
trust:
  max_path_length: 3
  unverified_score: 0.25
  resource_weights:
    gpu: 6
  self_trust_policy: sentinel
detector:
  confidence: 0.95
  claim_timeout: 90s
adaptation:
  interval: 30m
  gini_target: 0.5
  cluster_detection_threshold: 0.25
parameters:
  k_payment: 4
  transitivity_decay: 0.6
`)

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile failed: %v", err)
	}

	if cfg.Port != "7070" || cfg.LogLevel != "warn" {
		t.Errorf("Expected port 7070 and level warn, got %s %s", cfg.Port, cfg.LogLevel)
	}
	if len(cfg.SeedNodes) != 1 || cfg.SeedNodes[0] != "a.example.com:8080" {
		t.Errorf("Expected one seed node, got %v", cfg.SeedNodes)
	}
	if cfg.HTTPClientTimeout != 3*time.Second || cfg.EpochLength != 12*time.Hour {
		t.Errorf("Expected durations from file, got %v %v", cfg.HTTPClientTimeout, cfg.EpochLength)
	}
	if cfg.GossipTTL != 6 || cfg.PersistFacts {
		t.Errorf("Expected gossip TTL 6 without persistence, got %d %v", cfg.GossipTTL, cfg.PersistFacts)
	}
	if cfg.Trust.MaxPathLength != 3 || cfg.Trust.UnverifiedScore != 0.25 || cfg.Trust.SelfTrustPolicy != SelfTrustSentinel {
		t.Errorf("Unexpected trust config: %+v", cfg.Trust)
	}
	if cfg.Trust.ResourceWeights["gpu"] != 6 || cfg.Trust.ResourceWeights["cpu"] != 1 {
		t.Errorf("Expected gpu overridden and cpu kept, got %v", cfg.Trust.ResourceWeights)
	}
	if cfg.Detector.Confidence != 0.95 || cfg.Detector.ClaimTimeout != 90*time.Second {
		t.Errorf("Unexpected detector config: %+v", cfg.Detector)
	}
	if cfg.Adaptation.Interval != 30*time.Minute || cfg.Adaptation.GiniTarget != 0.5 || cfg.Adaptation.ClusterDetectionThreshold != 0.25 {
		t.Errorf("Unexpected adaptation config: %+v", cfg.Adaptation)
	}
	if cfg.Parameters.KPayment != 4 || cfg.Parameters.TransitivityDecay != 0.6 || cfg.Parameters.KTransfer != 1 {
		t.Errorf("Unexpected parameters: %+v", cfg.Parameters)
	}
}

func TestLoadConfigFromJSONFile(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{
		"port": "6060",
		"rateLimitPerMinute": 42,
		"requireNodeAuth": true,
		"trust": {"maxIterations": 20},
		"parameters": {"dailyMint": 500}
	}`)

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile failed: %v", err)
	}
	if cfg.Port != "6060" || cfg.RateLimitPerMinute != 42 || !cfg.RequireNodeAuth {
		t.Errorf("Unexpected top-level config: %+v", cfg)
	}
	if cfg.Trust.MaxIterations != 20 {
		t.Errorf("Expected max iterations 20, got %d", cfg.Trust.MaxIterations)
	}
	if cfg.Parameters.DailyMint != 500 {
		t.Errorf("Expected daily mint 500, got %v", cfg.Parameters.DailyMint)
	}
	if cfg.MaxBodySizeBytes != DefaultMaxBodySizeBytes {
		t.Errorf("Expected unset fields to keep defaults, got %d", cfg.MaxBodySizeBytes)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"malformed YAML", "bad.yaml", "port: [unclosed"},
		{"malformed JSON", "bad.json", `{"port": `},
		{"invalid duration", "dur.yaml", "shutdown_timeout: forever\n"},
		{"invalid nested duration", "nested.yaml", "detector:\n  retention: later\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfigFromFile(writeConfigFile(t, tt.file, tt.content)); err == nil {
				t.Error("Expected an error")
			}
		})
	}

	if _, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	clearConfigEnvVars(t)
	t.Setenv("CONFIG_FILE", writeConfigFile(t, "config.yaml", "port: \"7070\"\nlog_level: warn\n"))
	t.Setenv("PORT", "9191")

	cfg := LoadConfig()
	if cfg.Port != "9191" {
		t.Errorf("Expected env port '9191' to win, got '%s'", cfg.Port)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("Expected file log level 'warn', got '%s'", cfg.LogLevel)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	clearConfigEnvVars(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg := LoadConfig()
	if cfg.Port != DefaultPort {
		t.Errorf("Expected default port, got '%s'", cfg.Port)
	}
}
