// Package config loads the tunables recognized by the translation core from
// a YAML file, following the site_config.go pattern of starting from
// defaults and overlaying whatever the file supplies.
package config

import (
	"fmt"
	"os"

	"alphatlb/util"

	"gopkg.in/yaml.v3"
)

// Strategy names the PerformanceOptimizer's selectable strategy.
type Strategy string

const (
	StrategyDisabled           Strategy = "disabled"
	StrategyBanking            Strategy = "banking"
	StrategyPrefetch           Strategy = "prefetch"
	StrategyVictimCache        Strategy = "victim_cache"
	StrategyAdaptiveReplacement Strategy = "adaptive_replacement"
	StrategyProcessPartitioning Strategy = "process_partitioning"
)

// Config mirrors every option enumerated as a recognized configuration
// input. Fields are grouped by the component that consumes them.
type Config struct {
	TLB struct {
		Capacity int `yaml:"capacity"`
		MaxCPUs  int `yaml:"max_cpus"`
	} `yaml:"tlb"`

	Cache struct {
		InitialSets      int `yaml:"initial_sets"`
		InitialWays      int `yaml:"initial_ways"`
		MaxSets          int `yaml:"max_sets"`
		MaxWays          int `yaml:"max_ways"`
		PageSize         int `yaml:"page_size"`
		AutoTuneInterval int `yaml:"auto_tune_interval"`
	} `yaml:"cache"`

	Coordinator struct {
		MaxDepth       int `yaml:"max_depth"`
		StallQueue     int `yaml:"stall_queue"`
		MaxReplays     int `yaml:"max_replays"`
		StallTimeoutMs int `yaml:"stall_timeout_ms"`
	} `yaml:"coordinator"`

	Errors struct {
		BurstThreshold int `yaml:"burst_threshold"`
		BurstWindowMs  int `yaml:"burst_window_ms"`
		HistorySize    int `yaml:"history_size"`
	} `yaml:"errors"`

	Optimizer struct {
		Strategy        Strategy `yaml:"strategy"`
		PrefetchDepth   int      `yaml:"prefetch_depth"`
		PrefetchDistance int     `yaml:"prefetch_distance"`
	} `yaml:"optimizer"`

	Walker struct {
		PageGranularityDefault int `yaml:"page_granularity_default"`
	} `yaml:"walker"`
}

// Default returns the documented defaults for every recognized option.
func Default() Config {
	var c Config
	c.TLB.Capacity = 64
	c.TLB.MaxCPUs = 64

	c.Cache.InitialSets = 64
	c.Cache.InitialWays = 4
	c.Cache.MaxSets = 1024
	c.Cache.MaxWays = 16
	c.Cache.PageSize = 8192
	c.Cache.AutoTuneInterval = 10000

	c.Coordinator.MaxDepth = 8
	c.Coordinator.StallQueue = 16
	c.Coordinator.MaxReplays = 3
	c.Coordinator.StallTimeoutMs = 1000

	c.Errors.BurstThreshold = 10
	c.Errors.BurstWindowMs = 1000
	c.Errors.HistorySize = 256

	c.Optimizer.Strategy = StrategyDisabled
	c.Optimizer.PrefetchDepth = 2
	c.Optimizer.PrefetchDistance = 128

	c.Walker.PageGranularityDefault = 8192
	return c
}

// Load starts from Default() and overlays path's contents, if the file
// exists. A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	c := Default()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("config: stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// Validate checks the power-of-two constraints the translation cache
// requires of its sizing options, mirroring the constructor-time asserts
// the cache itself enforces on sets/ways/page size.
func (c Config) Validate() error {
	for name, v := range map[string]int{
		"cache.initial_sets": c.Cache.InitialSets,
		"cache.initial_ways": c.Cache.InitialWays,
		"cache.max_sets":     c.Cache.MaxSets,
		"cache.max_ways":     c.Cache.MaxWays,
		"cache.page_size":    c.Cache.PageSize,
	} {
		if !util.IsPow2(v) {
			return fmt.Errorf("%s must be a power of two, got %d", name, v)
		}
	}
	if c.Cache.InitialSets > c.Cache.MaxSets {
		return fmt.Errorf("cache.initial_sets (%d) exceeds cache.max_sets (%d)", c.Cache.InitialSets, c.Cache.MaxSets)
	}
	if c.Cache.InitialWays > c.Cache.MaxWays {
		return fmt.Errorf("cache.initial_ways (%d) exceeds cache.max_ways (%d)", c.Cache.InitialWays, c.Cache.MaxWays)
	}
	return nil
}
