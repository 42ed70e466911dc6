package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Port               string        `json:"port"`
	AdvertiseAddress   string        `json:"advertiseAddress"`
	SeedNodes          []string      `json:"seedNodes"`
	LogLevel           string        `json:"logLevel"`
	RateLimitPerMinute int           `json:"rateLimitPerMinute"`
	MaxBodySizeBytes   int64         `json:"maxBodySizeBytes"`
	DataDir            string        `json:"dataDir"`
	ShutdownTimeout    time.Duration `json:"shutdownTimeout"`
	HTTPClientTimeout  time.Duration `json:"httpClientTimeout"`
	NodeAuthSecret     string        `json:"-"`
	RequireNodeAuth    bool          `json:"requireNodeAuth"`
	DiscoveryInterval  time.Duration `json:"discoveryInterval"`
	TrustCacheTTL      time.Duration `json:"trustCacheTTL"`
	EpochLength        time.Duration `json:"epochLength"`
	GossipTTL          int           `json:"gossipTTL"`
	PersistFacts       bool          `json:"persistFacts"`
	IPFSAPIURL         string        `json:"ipfsApiUrl"`

	Trust      TrustConfig      `json:"trust"`
	Detector   DetectorConfig   `json:"detector"`
	Adaptation AdaptationConfig `json:"adaptation"`
	Parameters ParameterSet     `json:"parameters"`
	HSM        HSMConfig        `json:"hsm"`
}

// Default values
const (
	DefaultPort               = "8080"
	DefaultRateLimitPerMinute = 100
	DefaultMaxBodySizeBytes   = 1 << 20 // 1MB
	DefaultDataDir            = "./data"
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultHTTPClientTimeout  = 5 * time.Second
	DefaultDiscoveryInterval  = 5 * time.Minute
	DefaultGossipTTL          = 4
)

// fileConfig mirrors Config for YAML/JSON files. Durations are strings like "45s";
// zero values and nil pointers mean "not set".
type fileConfig struct {
	Port               string   `yaml:"port" json:"port"`
	AdvertiseAddress   string   `yaml:"advertise_address" json:"advertiseAddress"`
	SeedNodes          []string `yaml:"seed_nodes" json:"seedNodes"`
	LogLevel           string   `yaml:"log_level" json:"logLevel"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute" json:"rateLimitPerMinute"`
	MaxBodySizeBytes   int64    `yaml:"max_body_size_bytes" json:"maxBodySizeBytes"`
	DataDir            string   `yaml:"data_dir" json:"dataDir"`
	ShutdownTimeout    string   `yaml:"shutdown_timeout" json:"shutdownTimeout"`
	HTTPClientTimeout  string   `yaml:"http_client_timeout" json:"httpClientTimeout"`
	NodeAuthSecret     string   `yaml:"node_auth_secret" json:"nodeAuthSecret"`
	RequireNodeAuth    *bool    `yaml:"require_node_auth" json:"requireNodeAuth"`
	DiscoveryInterval  string   `yaml:"discovery_interval" json:"discoveryInterval"`
	TrustCacheTTL      string   `yaml:"trust_cache_ttl" json:"trustCacheTTL"`
	EpochLength        string   `yaml:"epoch_length" json:"epochLength"`
	GossipTTL          int      `yaml:"gossip_ttl" json:"gossipTTL"`
	PersistFacts       *bool    `yaml:"persist_facts" json:"persistFacts"`
	IPFSAPIURL         string   `yaml:"ipfs_api_url" json:"ipfsApiUrl"`

	Trust      fileTrustConfig      `yaml:"trust" json:"trust"`
	Detector   fileDetectorConfig   `yaml:"detector" json:"detector"`
	Adaptation fileAdaptationConfig `yaml:"adaptation" json:"adaptation"`
	Parameters fileParameters       `yaml:"parameters" json:"parameters"`
	HSM        HSMConfig            `yaml:"hsm" json:"hsm"`
}

type fileTrustConfig struct {
	Credit             float64            `yaml:"credit" json:"credit"`
	ResourceWeights    map[string]float64 `yaml:"resource_weights" json:"resourceWeights"`
	UnverifiedScore    *float64           `yaml:"unverified_score" json:"unverifiedScore"`
	ClusterWeightFloor *float64           `yaml:"cluster_weight_floor" json:"clusterWeightFloor"`
	AssertionHalfLife  string             `yaml:"assertion_half_life" json:"assertionHalfLife"`
	DonationScale      float64            `yaml:"donation_scale" json:"donationScale"`
	MaxPathLength      int                `yaml:"max_path_length" json:"maxPathLength"`
	PruneThreshold     float64            `yaml:"prune_threshold" json:"pruneThreshold"`
	Tolerance          float64            `yaml:"tolerance" json:"tolerance"`
	MaxIterations      int                `yaml:"max_iterations" json:"maxIterations"`
	MaxVisited         int                `yaml:"max_visited" json:"maxVisited"`
	SelfTrustPolicy    string             `yaml:"self_trust_policy" json:"selfTrustPolicy"`
	Timeout            string             `yaml:"timeout" json:"timeout"`
}

type fileDetectorConfig struct {
	Shards               int      `yaml:"shards" json:"shards"`
	Confidence           float64  `yaml:"confidence" json:"confidence"`
	MinConfirmations     int      `yaml:"min_confirmations" json:"minConfirmations"`
	MaxConfirmations     int      `yaml:"max_confirmations" json:"maxConfirmations"`
	ClaimTimeout         string   `yaml:"claim_timeout" json:"claimTimeout"`
	Retention            string   `yaml:"retention" json:"retention"`
	SweepInterval        string   `yaml:"sweep_interval" json:"sweepInterval"`
	PenaltyBaseScore     *float64 `yaml:"penalty_base_score" json:"penaltyBaseScore"`
	ImpactScale          float64  `yaml:"impact_scale" json:"impactScale"`
	DegradedConnectivity *float64 `yaml:"degraded_connectivity" json:"degradedConnectivity"`
	HighValueAmount      float64  `yaml:"high_value_amount" json:"highValueAmount"`
}

type fileAdaptationConfig struct {
	Interval                string   `yaml:"interval" json:"interval"`
	GiniTarget              *float64 `yaml:"gini_target" json:"giniTarget"`
	ClusterPrevalenceTarget *float64 `yaml:"cluster_prevalence_target" json:"clusterPrevalenceTarget"`
	DoubleSpendRateTarget   *float64 `yaml:"double_spend_rate_target" json:"doubleSpendRateTarget"`
	ClusterDetection        *float64 `yaml:"cluster_detection_threshold" json:"clusterDetectionThreshold"`
}

type fileParameters struct {
	KPayment           float64 `yaml:"k_payment" json:"kPayment"`
	KTransfer          float64 `yaml:"k_transfer" json:"kTransfer"`
	AgeMaturityDays    float64 `yaml:"age_maturity_days" json:"ageMaturityDays"`
	DailyMint          float64 `yaml:"daily_mint" json:"dailyMint"`
	IsolationThreshold float64 `yaml:"isolation_threshold" json:"isolationThreshold"`
	TransitivityDecay  float64 `yaml:"transitivity_decay" json:"transitivityDecay"`
	DampeningFactor    float64 `yaml:"dampening_factor" json:"dampeningFactor"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	return &Config{
		Port:               DefaultPort,
		SeedNodes:          []string{"seed1.trustcore.net:8080", "seed2.trustcore.net:8080"},
		LogLevel:           "info",
		RateLimitPerMinute: DefaultRateLimitPerMinute,
		MaxBodySizeBytes:   DefaultMaxBodySizeBytes,
		DataDir:            DefaultDataDir,
		ShutdownTimeout:    DefaultShutdownTimeout,
		HTTPClientTimeout:  DefaultHTTPClientTimeout,
		DiscoveryInterval:  DefaultDiscoveryInterval,
		TrustCacheTTL:      DefaultTrustCacheTTL,
		EpochLength:        DefaultEpochLength,
		GossipTTL:          DefaultGossipTTL,
		PersistFacts:       true,
		Trust:              DefaultTrustConfig(),
		Detector:           DefaultDetectorConfig(),
		Adaptation:         DefaultAdaptationConfig(),
		Parameters:         DefaultParameterSet(),
	}
}

// LoadConfig reads configuration from defaults, then CONFIG_FILE if set, then environment variables
func LoadConfig() *Config {
	cfg := DefaultConfig()

	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		fileCfg, err := LoadConfigFromFile(configFile)
		if err != nil {
			if logger != nil {
				logger.Warn("Failed to load config file, using defaults", "file", configFile, "error", err)
			}
		} else {
			cfg = fileCfg
		}
	}

	applyEnvOverrides(cfg)
	return cfg
}

// LoadConfigFromFile reads a YAML or JSON config file on top of the defaults
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := fc.apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDurationField(name, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", name, err)
	}
	*dst = d
	return nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if fc.AdvertiseAddress != "" {
		cfg.AdvertiseAddress = fc.AdvertiseAddress
	}
	if len(fc.SeedNodes) > 0 {
		cfg.SeedNodes = fc.SeedNodes
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.RateLimitPerMinute > 0 {
		cfg.RateLimitPerMinute = fc.RateLimitPerMinute
	}
	if fc.MaxBodySizeBytes > 0 {
		cfg.MaxBodySizeBytes = fc.MaxBodySizeBytes
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.NodeAuthSecret != "" {
		cfg.NodeAuthSecret = fc.NodeAuthSecret
	}
	if fc.RequireNodeAuth != nil {
		cfg.RequireNodeAuth = *fc.RequireNodeAuth
	}
	if fc.GossipTTL > 0 {
		cfg.GossipTTL = fc.GossipTTL
	}
	if fc.PersistFacts != nil {
		cfg.PersistFacts = *fc.PersistFacts
	}
	if fc.IPFSAPIURL != "" {
		cfg.IPFSAPIURL = fc.IPFSAPIURL
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"http_client_timeout", fc.HTTPClientTimeout, &cfg.HTTPClientTimeout},
		{"discovery_interval", fc.DiscoveryInterval, &cfg.DiscoveryInterval},
		{"trust_cache_ttl", fc.TrustCacheTTL, &cfg.TrustCacheTTL},
		{"epoch_length", fc.EpochLength, &cfg.EpochLength},
		{"trust.assertion_half_life", fc.Trust.AssertionHalfLife, &cfg.Trust.AssertionHalfLife},
		{"trust.timeout", fc.Trust.Timeout, &cfg.Trust.Timeout},
		{"detector.claim_timeout", fc.Detector.ClaimTimeout, &cfg.Detector.ClaimTimeout},
		{"detector.retention", fc.Detector.Retention, &cfg.Detector.Retention},
		{"detector.sweep_interval", fc.Detector.SweepInterval, &cfg.Detector.SweepInterval},
		{"adaptation.interval", fc.Adaptation.Interval, &cfg.Adaptation.Interval},
	}
	for _, d := range durations {
		if err := parseDurationField(d.name, d.value, d.dst); err != nil {
			return err
		}
	}

	fc.Trust.apply(&cfg.Trust)
	fc.Detector.apply(&cfg.Detector)
	fc.Adaptation.apply(&cfg.Adaptation)
	fc.Parameters.apply(&cfg.Parameters)

	if fc.HSM.Enabled() {
		cfg.HSM = fc.HSM
	}
	return nil
}

func (ft fileTrustConfig) apply(t *TrustConfig) {
	if ft.Credit > 0 {
		t.Credit = ft.Credit
	}
	for class, w := range ft.ResourceWeights {
		if w >= 0 {
			t.ResourceWeights[class] = w
		}
	}
	if ft.UnverifiedScore != nil {
		t.UnverifiedScore = clamp(*ft.UnverifiedScore, 0, 1)
	}
	if ft.ClusterWeightFloor != nil {
		t.ClusterWeightFloor = clamp(*ft.ClusterWeightFloor, 0, 1)
	}
	if ft.DonationScale > 0 {
		t.DonationScale = ft.DonationScale
	}
	if ft.MaxPathLength > 0 {
		t.MaxPathLength = ft.MaxPathLength
	}
	if ft.PruneThreshold > 0 {
		t.PruneThreshold = ft.PruneThreshold
	}
	if ft.Tolerance > 0 {
		t.Tolerance = ft.Tolerance
	}
	if ft.MaxIterations > 0 {
		t.MaxIterations = ft.MaxIterations
	}
	if ft.MaxVisited > 0 {
		t.MaxVisited = ft.MaxVisited
	}
	if ft.SelfTrustPolicy == SelfTrustReject || ft.SelfTrustPolicy == SelfTrustSentinel {
		t.SelfTrustPolicy = ft.SelfTrustPolicy
	}
}

func (fd fileDetectorConfig) apply(d *DetectorConfig) {
	if fd.Shards > 0 {
		d.Shards = fd.Shards
	}
	if fd.Confidence > 0 && fd.Confidence < 1 {
		d.Confidence = fd.Confidence
	}
	if fd.MinConfirmations > 0 {
		d.MinConfirmations = fd.MinConfirmations
	}
	if fd.MaxConfirmations > 0 {
		d.MaxConfirmations = fd.MaxConfirmations
	}
	if fd.PenaltyBaseScore != nil && *fd.PenaltyBaseScore < 0 && *fd.PenaltyBaseScore >= -1 {
		d.PenaltyBaseScore = *fd.PenaltyBaseScore
	}
	if fd.ImpactScale > 0 {
		d.ImpactScale = fd.ImpactScale
	}
	if fd.DegradedConnectivity != nil {
		d.DegradedConnectivity = clamp(*fd.DegradedConnectivity, 0, 1)
	}
	if fd.HighValueAmount > 0 {
		d.HighValueAmount = fd.HighValueAmount
	}
}

func (fa fileAdaptationConfig) apply(a *AdaptationConfig) {
	if fa.GiniTarget != nil {
		a.GiniTarget = *fa.GiniTarget
	}
	if fa.ClusterPrevalenceTarget != nil {
		a.ClusterPrevalenceTarget = *fa.ClusterPrevalenceTarget
	}
	if fa.DoubleSpendRateTarget != nil {
		a.DoubleSpendRateTarget = *fa.DoubleSpendRateTarget
	}
	if fa.ClusterDetection != nil && *fa.ClusterDetection > 0 {
		a.ClusterDetectionThreshold = *fa.ClusterDetection
	}
}

func (fp fileParameters) apply(p *ParameterSet) {
	set := func(name string, v float64) {
		if v > 0 {
			*p = p.With(name, v)
		}
	}
	set(ParamKPayment, fp.KPayment)
	set(ParamKTransfer, fp.KTransfer)
	set(ParamAgeMaturityDays, fp.AgeMaturityDays)
	set(ParamDailyMint, fp.DailyMint)
	set(ParamIsolationThreshold, fp.IsolationThreshold)
	set(ParamTransitivityDecay, fp.TransitivityDecay)
	set(ParamDampeningFactor, fp.DampeningFactor)
}

func envDuration(name string, dst *time.Duration) {
	if value := os.Getenv(name); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			*dst = d
		}
	}
}

func envPositiveInt(name string, dst *int) {
	if value := os.Getenv(name); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envPositiveFloat(name string, dst *float64) {
	if value := os.Getenv(name); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f > 0 {
			*dst = f
		}
	}
}

// applyEnvOverrides applies environment variables on top of defaults or file values
func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	if addr := os.Getenv("ADVERTISE_ADDRESS"); addr != "" {
		cfg.AdvertiseAddress = addr
	}

	if seedNodesEnv := os.Getenv("SEED_NODES"); seedNodesEnv != "" {
		var seedNodes []string
		if err := json.Unmarshal([]byte(seedNodesEnv), &seedNodes); err == nil && len(seedNodes) > 0 {
			cfg.SeedNodes = seedNodes
		}
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	envPositiveInt("RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute)

	if maxBodyEnv := os.Getenv("MAX_BODY_SIZE_BYTES"); maxBodyEnv != "" {
		if maxBody, err := strconv.ParseInt(maxBodyEnv, 10, 64); err == nil && maxBody > 0 {
			cfg.MaxBodySizeBytes = maxBody
		}
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	envDuration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	envDuration("HTTP_CLIENT_TIMEOUT", &cfg.HTTPClientTimeout)
	envDuration("DISCOVERY_INTERVAL", &cfg.DiscoveryInterval)
	envDuration("TRUST_CACHE_TTL", &cfg.TrustCacheTTL)
	envDuration("EPOCH_LENGTH", &cfg.EpochLength)
	envDuration("TRUST_TIMEOUT", &cfg.Trust.Timeout)
	envDuration("CLAIM_TIMEOUT", &cfg.Detector.ClaimTimeout)
	envDuration("ADAPTATION_INTERVAL", &cfg.Adaptation.Interval)

	if secret := os.Getenv("NODE_AUTH_SECRET"); secret != "" {
		cfg.NodeAuthSecret = secret
	}
	if required := os.Getenv("REQUIRE_NODE_AUTH"); required != "" {
		cfg.RequireNodeAuth = required == "true"
	}

	envPositiveInt("GOSSIP_TTL", &cfg.GossipTTL)
	envPositiveInt("TRUST_MAX_PATH_LENGTH", &cfg.Trust.MaxPathLength)
	envPositiveInt("TRUST_MAX_ITERATIONS", &cfg.Trust.MaxIterations)

	if policy := os.Getenv("SELF_TRUST_POLICY"); policy == SelfTrustReject || policy == SelfTrustSentinel {
		cfg.Trust.SelfTrustPolicy = policy
	}

	if persist := os.Getenv("PERSIST_FACTS"); persist != "" {
		cfg.PersistFacts = persist == "true"
	}

	if ipfs := os.Getenv("IPFS_API_URL"); ipfs != "" {
		cfg.IPFSAPIURL = ipfs
	}

	envPositiveFloat("K_PAYMENT", &cfg.Parameters.KPayment)
	envPositiveFloat("K_TRANSFER", &cfg.Parameters.KTransfer)
	envPositiveFloat("AGE_MATURITY_DAYS", &cfg.Parameters.AgeMaturityDays)
	envPositiveFloat("DAILY_MINT", &cfg.Parameters.DailyMint)

	if module := os.Getenv("HSM_MODULE_PATH"); module != "" {
		cfg.HSM.ModulePath = module
		cfg.HSM.TokenLabel = os.Getenv("HSM_TOKEN_LABEL")
		cfg.HSM.KeyLabel = os.Getenv("HSM_KEY_LABEL")
		cfg.HSM.PIN = os.Getenv("HSM_PIN")
	}
}
