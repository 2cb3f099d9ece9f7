package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/abelbrown/harvester/internal/config"
)

// dataDir returns the data directory, creating it if needed.
func dataDir() string {
	dir := config.DataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "harvest: failed to create data directory: %v\n", err)
	}
	return dir
}

// eventLogPath returns the default path of harvest.events.jsonl.
func eventLogPath() string {
	return filepath.Join(dataDir(), "harvest.events.jsonl")
}

// envOrDefault returns the environment variable value or a fallback.
func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// configFlag registers the shared -config flag.
func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", envOrDefault("HARVEST_CONFIG", ""), "Config file (.json, .json5, .yaml)")
}

// loadConfig layers file, then environment. Flags are applied by callers.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setFlags returns the names of flags given on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func fail(code int, format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "harvest: "+format+"\n", args...)
	return code
}
