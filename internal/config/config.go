package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// RuleCfg is a custom pattern rule from the config file.
type RuleCfg struct {
	Label   string `toml:"label"`
	Pattern string `toml:"pattern"`
}

// FileCfg is the optional TOML config file named by ANONYMIZER_CONFIG.
//
//	allow = ["Acme Corp"]
//
//	[[rules]]
//	label = "EMPLOYEE_ID"
//	pattern = "EMP-[0-9]{6}"
type FileCfg struct {
	Rules []RuleCfg `toml:"rules"`
	Allow []string  `toml:"allow"`
}

// Cfg holds all runtime configuration loaded from environment variables.
type Cfg struct {
	// Server
	ListenAddr   string   // e.g. :8000
	CORSOrigins  []string // CORS_ORIGINS=* or a comma list
	MaxBodyBytes int64    // MAX_BODY_BYTES=1048576

	// Pattern rules layer
	SanitizePatterns bool // SANITIZE_PATTERNS=true enables built-in rules

	// NER sidecar layer
	SanitizeNER    bool   // SANITIZE_NER=true enables NER sidecar
	SanitizeNERURL string // SANITIZE_NER_URL=http://sanitize-ner:8001 (comma list allowed)

	// Presidio analyzer layer
	SanitizePresidio          bool    // SANITIZE_PRESIDIO=true enables Presidio
	SanitizePresidioURL       string  // SANITIZE_PRESIDIO_URL=http://presidio-analyzer:3000
	SanitizePresidioLanguage  string  // SANITIZE_PRESIDIO_LANGUAGE=en
	SanitizePresidioThreshold float32 // SANITIZE_PRESIDIO_THRESHOLD=0 (0 = analyzer default)

	// LLM semantic classifier layer
	SanitizeLLM      bool    // SANITIZE_LLM=true enables LLM classifier
	SanitizeLLMURL   string  // SANITIZE_LLM_URL=http://ollama:11434
	SanitizeLLMModel string  // SANITIZE_LLM_MODEL=qwen2.5:0.5b
	SanitizeLLMRPS   float64 // SANITIZE_LLM_RPS=2 (0 = unlimited)

	// SanitizeBudget bounds the time spent waiting for all classifiers.
	SanitizeBudget time.Duration

	// AuditDB is the sqlite path for the audit log; empty disables auditing.
	AuditDB string

	// AuthAddresses lists signer addresses allowed to call every endpoint
	// except /health, the MCP endpoint included. Empty disables
	// authentication.
	AuthAddresses []string

	// Client side
	RemoteURL  string // ANONYMIZER_URL; empty uses the local engine
	SigningKey string // ANONYMIZER_SIGNING_KEY

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// File holds the parsed ANONYMIZER_CONFIG file, zero when unset.
	File     FileCfg
	FilePath string
}

// Load reads .env (if present) then environment variables and returns Cfg.
func Load() (*Cfg, error) {
	// Best-effort: load .env from current directory
	_ = godotenv.Load()

	port := envString("PORT", "8000")

	maxBody, err := envInt64("MAX_BODY_BYTES", 1<<20)
	if err != nil {
		return nil, err
	}
	if maxBody <= 0 {
		return nil, fmt.Errorf("config: MAX_BODY_BYTES must be positive, got %d", maxBody)
	}

	presidioThreshold, err := envFloat("SANITIZE_PRESIDIO_THRESHOLD", 0)
	if err != nil {
		return nil, err
	}
	llmRPS, err := envFloat("SANITIZE_LLM_RPS", 2)
	if err != nil {
		return nil, err
	}
	budget, err := envDuration("SANITIZE_BUDGET", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Cfg{
		ListenAddr:   ":" + port,
		CORSOrigins:  splitList(envString("CORS_ORIGINS", "*")),
		MaxBodyBytes: maxBody,

		SanitizePatterns: envBool("SANITIZE_PATTERNS", true),

		SanitizeNER:    envBool("SANITIZE_NER", false),
		SanitizeNERURL: envString("SANITIZE_NER_URL", "http://sanitize-ner:8001"),

		SanitizePresidio:          envBool("SANITIZE_PRESIDIO", false),
		SanitizePresidioURL:       envString("SANITIZE_PRESIDIO_URL", "http://presidio-analyzer:3000"),
		SanitizePresidioLanguage:  envString("SANITIZE_PRESIDIO_LANGUAGE", "en"),
		SanitizePresidioThreshold: float32(presidioThreshold),

		SanitizeLLM:      envBool("SANITIZE_LLM", false),
		SanitizeLLMURL:   envString("SANITIZE_LLM_URL", "http://ollama:11434"),
		SanitizeLLMModel: envString("SANITIZE_LLM_MODEL", "qwen2.5:0.5b"),
		SanitizeLLMRPS:   llmRPS,

		SanitizeBudget: budget,

		AuditDB:       envString("AUDIT_DB", ""),
		AuthAddresses: splitList(envString("AUTH_ADDRESSES", "")),

		RemoteURL:  strings.TrimRight(envString("ANONYMIZER_URL", ""), "/"),
		SigningKey: envString("ANONYMIZER_SIGNING_KEY", ""),

		LogLevel:  envString("LOG_LEVEL", "info"),
		LogFormat: envString("LOG_FORMAT", "text"),
		LogFile:   envString("LOG_FILE", ""),

		FilePath: envString("ANONYMIZER_CONFIG", ""),
	}

	if cfg.FilePath != "" {
		f, err := LoadFile(cfg.FilePath)
		if err != nil {
			return nil, err
		}
		cfg.File = *f
	}
	return cfg, nil
}

// LoadFile parses a TOML config file.
func LoadFile(path string) (*FileCfg, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f FileCfg
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	for i, r := range f.Rules {
		if strings.TrimSpace(r.Label) == "" || r.Pattern == "" {
			return nil, fmt.Errorf("config: %s: rule %d needs label and pattern", path, i+1)
		}
	}
	return &f, nil
}

// RuleStrings returns the file's rules in LABEL::regexp form.
func (f FileCfg) RuleStrings() []string {
	out := make([]string, 0, len(f.Rules))
	for _, r := range f.Rules {
		out = append(out, strings.TrimSpace(r.Label)+"::"+r.Pattern)
	}
	return out
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	return raw == "1" || strings.EqualFold(raw, "true") || strings.EqualFold(raw, "yes")
}

func envInt64(key string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
