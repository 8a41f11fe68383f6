package main

import (
	"github.com/tracelens/tracelens/internal/config"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}
