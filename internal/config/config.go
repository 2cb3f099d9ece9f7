package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"

	"github.com/abelbrown/harvester/internal/fetch"
	"github.com/abelbrown/harvester/internal/plan"
)

// ErrEmptyBound is returned when the attribute bound declares no dimensions.
var ErrEmptyBound = plan.ErrEmptyBound

// ErrInvalid wraps every other validation failure.
var ErrInvalid = errors.New("invalid config")

// MaxWorkers is the largest accepted workerCount.
const MaxWorkers = 8

// Config is the run configuration. Durations are in seconds so files stay
// readable; use the getters for time.Duration values.
type Config struct {
	AttributeBound plan.Bound `json:"attributeBound" yaml:"attributeBound"`

	PageSizeCap               int     `json:"pageSizeCap" yaml:"pageSizeCap"`
	TargetItemCount           int     `json:"targetItemCount,omitempty" yaml:"targetItemCount,omitempty"`
	WallClockBudget           float64 `json:"wallClockBudget,omitempty" yaml:"wallClockBudget,omitempty"` // seconds
	CheckpointIntervalItems   int     `json:"checkpointIntervalItems" yaml:"checkpointIntervalItems"`
	CheckpointIntervalSeconds float64 `json:"checkpointIntervalSeconds" yaml:"checkpointIntervalSeconds"`
	WorkerCount               int     `json:"workerCount" yaml:"workerCount"`
	BackoffBaseSeconds        float64 `json:"backoffBaseSeconds" yaml:"backoffBaseSeconds"`
	BackoffMaxSeconds         float64 `json:"backoffMaxSeconds" yaml:"backoffMaxSeconds"`
	MaxRetriesPerPartition    int     `json:"maxRetriesPerPartition" yaml:"maxRetriesPerPartition"`

	// Source
	Endpoint      string            `json:"endpoint" yaml:"endpoint"`
	Params        map[string]string `json:"params,omitempty" yaml:"params,omitempty"` // sent with every request
	UserAgent     string            `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
	OffsetParam   string            `json:"offsetParam" yaml:"offsetParam"`
	PageSizeParam string            `json:"pageSizeParam" yaml:"pageSizeParam"`
	MaxOffset     int               `json:"maxOffset,omitempty" yaml:"maxOffset,omitempty"`
	IDFields      []string          `json:"idFields,omitempty" yaml:"idFields,omitempty"`
	ListKeys      []string          `json:"listKeys,omitempty" yaml:"listKeys,omitempty"`

	// Pacing and failure handling
	RequestIntervalSeconds float64 `json:"requestIntervalSeconds" yaml:"requestIntervalSeconds"`
	FetchTimeoutSeconds    float64 `json:"fetchTimeoutSeconds" yaml:"fetchTimeoutSeconds"`
	BlockedCooldownSeconds float64 `json:"blockedCooldownSeconds" yaml:"blockedCooldownSeconds"`
	BlockedPauseThreshold  int     `json:"blockedPauseThreshold" yaml:"blockedPauseThreshold"`
	PauseAbortThreshold    int     `json:"pauseAbortThreshold" yaml:"pauseAbortThreshold"`
	TransientRetries       int     `json:"transientRetries" yaml:"transientRetries"`

	// Outputs
	CheckpointPath string `json:"checkpointPath" yaml:"checkpointPath"`
	DBPath         string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
	PostgresURL    string `json:"postgresURL,omitempty" yaml:"postgresURL,omitempty"`
	PostgresTable  string `json:"postgresTable,omitempty" yaml:"postgresTable,omitempty"`
	MetricsAddr    string `json:"metricsAddr,omitempty" yaml:"metricsAddr,omitempty"`
	EventLog       string `json:"eventLog,omitempty" yaml:"eventLog,omitempty"`
	LogLevel       string `json:"logLevel" yaml:"logLevel"`

	// Fields names the item attributes the statistics report reads.
	Fields Fields `json:"fields" yaml:"fields"`
}

// Fields maps report roles to item attribute names.
type Fields struct {
	Category string `json:"category" yaml:"category"`
	Price    string `json:"price" yaml:"price"`
	Year     string `json:"year" yaml:"year"`
	Mileage  string `json:"mileage" yaml:"mileage"`
}

// DefaultConfig returns the defaults observed against the listing source.
func DefaultConfig() *Config {
	return &Config{
		AttributeBound: plan.Bound{
			Categories: []plan.Category{{
				Name:  "make",
				Param: "makeId",
				Values: []string{
					"m7", "m6", "m3", "m1", "m10", "m41", "m47", "m32", "m21", "m17",
					"m27", "m28", "m53", "m30", "m22", "m191", "m55", "m56", "m2", "m35",
					"m29", "m31", "m16", "m148", "m33", "m38", "m46", "m18", "m24", "m42",
				},
			}},
			Numerics: []plan.Numeric{{
				Name:        "price",
				MinParam:    "minPrice",
				MaxParam:    "maxPrice",
				Min:         0,
				Max:         200000,
				Granularity: 500,
				Buckets:     4,
			}},
		},

		PageSizeCap:               48, // advertises 100, returns 48
		CheckpointIntervalItems:   500,
		CheckpointIntervalSeconds: 60,
		WorkerCount:               1,
		BackoffBaseSeconds:        2,
		BackoffMaxSeconds:         60,
		MaxRetriesPerPartition:    5,

		Endpoint: "https://www.cargurus.com/Cars/searchResults.action",
		Params: map[string]string{
			"zip":      "77479",
			"distance": "200",
			"sortDir":  "ASC",
		},
		OffsetParam:   "offset",
		PageSizeParam: "maxResults",
		IDFields:      append([]string(nil), fetch.DefaultIDFields...),
		ListKeys:      append([]string(nil), fetch.DefaultListKeys...),

		RequestIntervalSeconds: 1,
		FetchTimeoutSeconds:    30,
		BlockedCooldownSeconds: 10,
		BlockedPauseThreshold:  3,
		PauseAbortThreshold:    5,
		TransientRetries:       2,

		CheckpointPath: filepath.Join(DataDir(), "checkpoint.json"),
		LogLevel:       "info",

		Fields: Fields{
			Category: "makeName",
			Price:    "price",
			Year:     "carYear",
			Mileage:  "mileage",
		},
	}
}

// DataDir is where checkpoints, logs and the mirror live by default.
func DataDir() string {
	if dir := os.Getenv("HARVEST_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".harvester"
	}
	return filepath.Join(home, ".harvester")
}

// Load layers name then name.local (same extension) over the defaults.
// Missing files are not an error; an empty path returns the defaults.
// Zero values in a file do not override a default.
func Load(name string) (*Config, error) {
	cfg := DefaultConfig()
	if name == "" {
		return cfg, nil
	}

	for _, path := range layers(name) {
		layer, err := readFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		// A declared bound replaces the default wholesale.
		if !layer.AttributeBound.Empty() {
			cfg.AttributeBound = layer.AttributeBound
		}
		if err := mergo.Merge(cfg, *layer, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// layers returns name and its .local sibling.
func layers(name string) []string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return []string{name, base + ".local" + ext}
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var layer Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &layer)
	case ".json", ".json5", "":
		err = json5.Unmarshal(data, &layer)
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", ErrInvalid, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &layer, nil
}

// Validate rejects configurations that cannot run. It never touches
// the network.
func (c *Config) Validate() error {
	if err := c.AttributeBound.Validate(); err != nil {
		if errors.Is(err, plan.ErrEmptyBound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch {
	case c.PageSizeCap <= 0:
		return fmt.Errorf("%w: pageSizeCap must be > 0", ErrInvalid)
	case c.WorkerCount < 1 || c.WorkerCount > MaxWorkers:
		return fmt.Errorf("%w: workerCount must be in 1..%d, got %d", ErrInvalid, MaxWorkers, c.WorkerCount)
	case c.BackoffBaseSeconds <= 0:
		return fmt.Errorf("%w: backoffBaseSeconds must be > 0", ErrInvalid)
	case c.BackoffMaxSeconds < c.BackoffBaseSeconds:
		return fmt.Errorf("%w: backoffMaxSeconds %.1f < backoffBaseSeconds %.1f", ErrInvalid, c.BackoffMaxSeconds, c.BackoffBaseSeconds)
	case c.MaxRetriesPerPartition < 0 || c.TransientRetries < 0:
		return fmt.Errorf("%w: retry counts must be >= 0", ErrInvalid)
	case c.TargetItemCount < 0 || c.WallClockBudget < 0:
		return fmt.Errorf("%w: budgets must be >= 0", ErrInvalid)
	case c.CheckpointIntervalItems <= 0 && c.CheckpointIntervalSeconds <= 0:
		return fmt.Errorf("%w: at least one checkpoint interval must be set", ErrInvalid)
	case c.FetchTimeoutSeconds <= 0:
		return fmt.Errorf("%w: fetchTimeoutSeconds must be > 0", ErrInvalid)
	case c.MaxOffset < 0:
		return fmt.Errorf("%w: maxOffset must be >= 0", ErrInvalid)
	case c.Endpoint == "":
		return fmt.Errorf("%w: endpoint is required", ErrInvalid)
	case c.CheckpointPath == "":
		return fmt.Errorf("%w: checkpointPath is required", ErrInvalid)
	}

	if _, err := logLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func logLevel(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return "info", nil
	case "debug", "warn", "error":
		return strings.ToLower(s), nil
	}
	return "", fmt.Errorf("unknown logLevel %q", s)
}

// Policy builds the executor's retry policy.
func (c *Config) Policy() fetch.Policy {
	p := fetch.DefaultPolicy()
	p.BackoffBase = seconds(c.BackoffBaseSeconds)
	p.BackoffMax = seconds(c.BackoffMaxSeconds)
	p.MaxRetries = c.MaxRetriesPerPartition
	p.TransientRetries = c.TransientRetries
	p.BlockedCooldown = seconds(c.BlockedCooldownSeconds)
	p.FetchTimeout = c.FetchTimeout()
	if c.OffsetParam != "" {
		p.OffsetParam = c.OffsetParam
	}
	if c.PageSizeParam != "" {
		p.PageSizeParam = c.PageSizeParam
	}
	return p
}

// Budget returns the wall-clock budget, 0 if unbounded.
func (c *Config) Budget() time.Duration { return seconds(c.WallClockBudget) }

// CheckpointInterval returns the time-based checkpoint interval.
func (c *Config) CheckpointInterval() time.Duration { return seconds(c.CheckpointIntervalSeconds) }

// RequestInterval returns the minimum spacing between requests.
func (c *Config) RequestInterval() time.Duration { return seconds(c.RequestIntervalSeconds) }

// FetchTimeout returns the per-request timeout.
func (c *Config) FetchTimeout() time.Duration { return seconds(c.FetchTimeoutSeconds) }

// BlockedCooldown returns the base global pause after repeated blocks.
func (c *Config) BlockedCooldown() time.Duration { return seconds(c.BlockedCooldownSeconds) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
