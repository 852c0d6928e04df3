package main

import (
	"fmt"
	"os"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/logger"
)

// defaultConfigFile is picked up from the working directory when --config
// is not given.
const defaultConfigFile = "loom.yaml"

// ============================================================================
// CONFIG LOADING
// ============================================================================

// loadRuntimeConfig loads configuration from the explicit flag path or the
// default loom.yaml. This is the single source of truth for config loading
// across all commands.
func loadRuntimeConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded configuration", "path", path)
		return cfg, nil
	}

	if fileExists(defaultConfigFile) {
		cfg, err := config.LoadFromFile(defaultConfigFile)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded configuration", "path", defaultConfigFile)
		return cfg, nil
	}

	return nil, fmt.Errorf(
		"no configuration found\n\n" +
			"Provide one via:\n" +
			"  1. Command line flag:  loom run -c path/to/loom.yaml \"...\"\n" +
			"  2. Default file:       ./loom.yaml\n\n" +
			"A minimal loom.yaml:\n\n" +
			"  llm:\n" +
			"    type: openai\n" +
			"    api_key: ${OPENAI_API_KEY}\n")
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
