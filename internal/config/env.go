package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overrides fields from HARVEST_* variables. getenv is usually
// os.Getenv; nil means os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	strs := map[string]*string{
		"HARVEST_ENDPOINT":       &c.Endpoint,
		"HARVEST_USER_AGENT":     &c.UserAgent,
		"HARVEST_CHECKPOINT":     &c.CheckpointPath,
		"HARVEST_DB":             &c.DBPath,
		"HARVEST_POSTGRES_URL":   &c.PostgresURL,
		"HARVEST_POSTGRES_TABLE": &c.PostgresTable,
		"HARVEST_METRICS_ADDR":   &c.MetricsAddr,
		"HARVEST_EVENT_LOG":      &c.EventLog,
		"HARVEST_LOG_LEVEL":      &c.LogLevel,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"HARVEST_WORKERS":     &c.WorkerCount,
		"HARVEST_TARGET":      &c.TargetItemCount,
		"HARVEST_PAGE_SIZE":   &c.PageSizeCap,
		"HARVEST_MAX_RETRIES": &c.MaxRetriesPerPartition,
		"HARVEST_MAX_OFFSET":  &c.MaxOffset,
	}
	for key, dst := range ints {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v)
		}
		*dst = n
	}

	secs := map[string]*float64{
		"HARVEST_BUDGET":           &c.WallClockBudget,
		"HARVEST_REQUEST_INTERVAL": &c.RequestIntervalSeconds,
	}
	for key, dst := range secs {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			continue
		}
		s, err := ParseSeconds(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		*dst = s
	}
	return nil
}

// ParseSeconds accepts plain seconds ("90", "1.5") or a Go duration ("2h").
func ParseSeconds(v string) (float64, error) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%q is neither seconds nor a duration", v)
	}
	return d.Seconds(), nil
}
