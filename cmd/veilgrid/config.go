package main

import (
	"fmt"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration. Precedence: flags over
// environment over config file over defaults.
type Config struct {
	Listen        string `yaml:"listen"`         // gateway HTTP address
	RelayerListen string `yaml:"relayer_listen"` // relayer HTTP address
	DataPath      string `yaml:"data_path"`
	LogLevel      string `yaml:"log_level"`
	ChainID       uint64 `yaml:"chain_id"`
}

func defaultConfig() Config {
	return Config{
		Listen:        ":8080",
		RelayerListen: ":8081",
		DataPath:      "./data",
		LogLevel:      "info",
		ChainID:       1,
	}
}

func loadConfig(args []string) (Config, error) {
	fs := flag.NewFlagSet("veilgrid", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	listen := fs.String("listen", "", "gateway listen address")
	relayerListen := fs.String("relayer-listen", "", "relayer listen address")
	data := fs.String("data", "", "data directory")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()

	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("VEILGRID_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("VEILGRID_RELAYER_LISTEN"); v != "" {
		cfg.RelayerListen = v
	}
	if v := os.Getenv("VEILGRID_DATA_PATH"); v != "" {
		cfg.DataPath = v
	}
	if v := os.Getenv("VEILGRID_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VEILGRID_CHAIN_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse VEILGRID_CHAIN_ID: %w", err)
		}
		cfg.ChainID = id
	}

	if *listen != "" {
		cfg.Listen = *listen
	}
	if *relayerListen != "" {
		cfg.RelayerListen = *relayerListen
	}
	if *data != "" {
		cfg.DataPath = *data
	}

	return cfg, nil
}
