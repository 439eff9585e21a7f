// Package config loads the pipeline configuration: a YAML file with
// ${VAR} environment interpolation, defaults applied before validation,
// and a JSON-Schema pass over the decoded document so a typo fails fast
// at startup instead of mid-run.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	// The scheduler needs IANA zone names wherever the binary runs, with
	// or without a system zoneinfo database.
	_ "time/tzdata"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Config is the immutable configuration value constructed once at process
// start and passed explicitly to every component.
type Config struct {
	Database       Database       `yaml:"database" json:"database"`
	Extraction     Extraction     `yaml:"extraction" json:"extraction"`
	Reconciliation Reconciliation `yaml:"reconciliation" json:"reconciliation"`
	Alerting       Alerting       `yaml:"alerting" json:"alerting"`
	Lineage        Lineage        `yaml:"lineage" json:"lineage"`
	Retention      Retention      `yaml:"retention" json:"retention"`
	Observability  Observability  `yaml:"observability" json:"observability"`
	Health         Health         `yaml:"health" json:"health"`
}

type Database struct {
	URL string `yaml:"url" json:"url"`
}

type Extraction struct {
	InputDir string `yaml:"input_dir" json:"input_dir"`
	Hour     int    `yaml:"hour" json:"hour"`
	Minute   int    `yaml:"minute" json:"minute"`
	Timezone string `yaml:"timezone" json:"timezone"`
}

type Reconciliation struct {
	VolumeTolerancePercent float64 `yaml:"volume_tolerance_percent" json:"volume_tolerance_percent"`
	AlertOnMismatch        bool    `yaml:"alert_on_mismatch" json:"alert_on_mismatch"`
}

type Alerting struct {
	Telegram Telegram `yaml:"telegram" json:"telegram"`
	Email    Email    `yaml:"email" json:"email"`
}

type Telegram struct {
	BotToken string `yaml:"bot_token" json:"bot_token"`
	ChatID   string `yaml:"chat_id" json:"chat_id"`
}

type Email struct {
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port" json:"port"`
	Username string   `yaml:"username" json:"username"`
	Password string   `yaml:"password" json:"password"`
	From     string   `yaml:"from" json:"from"`
	To       []string `yaml:"to" json:"to"`
}

type Lineage struct {
	PipelineVersion string `yaml:"pipeline_version" json:"pipeline_version"`
	SourceURL       string `yaml:"source_url" json:"source_url"`
}

type Retention struct {
	RawDays int `yaml:"raw_days" json:"raw_days"`
}

type Observability struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
}

type Health struct {
	Addr string `yaml:"addr" json:"addr"`
}

// schemaJSON is validated against the decoded YAML document before it is
// bound to the struct. Structure and ranges only; unknown keys are
// rejected so typos surface at startup.
const schemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"database": {
			"type": "object",
			"additionalProperties": false,
			"properties": {"url": {"type": "string"}}
		},
		"extraction": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"input_dir": {"type": "string"},
				"hour": {"type": "integer", "minimum": 0, "maximum": 23},
				"minute": {"type": "integer", "minimum": 0, "maximum": 59},
				"timezone": {"type": "string"}
			}
		},
		"reconciliation": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"volume_tolerance_percent": {"type": "number", "minimum": 0, "maximum": 100},
				"alert_on_mismatch": {"type": "boolean"}
			}
		},
		"alerting": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"telegram": {
					"type": "object",
					"additionalProperties": false,
					"properties": {
						"bot_token": {"type": "string"},
						"chat_id": {"type": "string"}
					}
				},
				"email": {
					"type": "object",
					"additionalProperties": false,
					"properties": {
						"host": {"type": "string"},
						"port": {"type": "integer", "minimum": 1, "maximum": 65535},
						"username": {"type": "string"},
						"password": {"type": "string"},
						"from": {"type": "string"},
						"to": {"type": "array", "items": {"type": "string"}}
					}
				}
			}
		},
		"lineage": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"pipeline_version": {"type": "string"},
				"source_url": {"type": "string"}
			}
		},
		"retention": {
			"type": "object",
			"additionalProperties": false,
			"properties": {"raw_days": {"type": "integer", "minimum": 1}}
		},
		"observability": {
			"type": "object",
			"additionalProperties": false,
			"properties": {"otlp_endpoint": {"type": "string"}}
		},
		"health": {
			"type": "object",
			"additionalProperties": false,
			"properties": {"addr": {"type": "string"}}
		}
	}
}`

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Interpolate resolves ${NAME} placeholders from the process environment.
// Unresolved placeholders are preserved verbatim: a missing secret must
// show up as the literal placeholder downstream, never as a silent empty
// string.
func Interpolate(raw string) string {
	return envPattern.ReplaceAllStringFunc(raw, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}

// Load reads, interpolates, validates and decodes the configuration file.
// A missing file yields pure defaults, which is a valid lite-mode setup.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else {
			text := Interpolate(string(raw))
			if err := validateSchema(text); err != nil {
				return nil, err
			}
			if err := yaml.Unmarshal([]byte(text), cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	// The DSN env var always wins over the file.
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when the file or a key is
// absent.
func Default() *Config {
	return &Config{
		Extraction: Extraction{
			InputDir: "data/raw",
			Hour:     9,
			Minute:   15,
			Timezone: "America/Sao_Paulo",
		},
		Reconciliation: Reconciliation{
			VolumeTolerancePercent: 10,
			AlertOnMismatch:        true,
		},
		Alerting: Alerting{Email: Email{Port: 587}},
		Lineage:  Lineage{PipelineVersion: "2.1.0"},
		Retention: Retention{
			RawDays: 90,
		},
		Health: Health{Addr: ":8080"},
	}
}

func validateSchema(text string) error {
	var doc any
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	schema, err := jsonschema.CompileString("config.schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}
	if err := schema.Validate(normalizeYAML(doc)); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}

// normalizeYAML converts yaml.v3's map[string]any/any trees into the
// plain JSON value shapes the schema validator expects.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

// validate applies the cross-field checks the schema cannot express.
func (c *Config) validate() error {
	if c.Extraction.Timezone != "" {
		if _, err := time.LoadLocation(c.Extraction.Timezone); err != nil {
			return fmt.Errorf("config: unknown timezone %q: %w", c.Extraction.Timezone, err)
		}
	}
	if strings.Contains(c.Database.URL, "${") {
		return fmt.Errorf("config: database.url contains an unresolved placeholder: %s", c.Database.URL)
	}
	return nil
}

// TelegramConfigured reports whether the primary alert channel is usable.
func (c *Config) TelegramConfigured() bool {
	t := c.Alerting.Telegram
	return t.BotToken != "" && t.ChatID != "" &&
		!strings.Contains(t.BotToken, "${") && !strings.Contains(t.ChatID, "${")
}

// EmailConfigured reports whether the fallback alert channel is usable.
func (c *Config) EmailConfigured() bool {
	e := c.Alerting.Email
	return e.Host != "" && e.From != "" && len(e.To) > 0
}

// Location resolves the extraction timezone, defaulting to UTC.
func (c *Config) Location() *time.Location {
	if c.Extraction.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Extraction.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
