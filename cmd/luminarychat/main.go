// Package main is the entry point for the LuminaryChat gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ZaguanLabs/luminarychat/internal/config"
	"github.com/ZaguanLabs/luminarychat/internal/persona"
	"github.com/ZaguanLabs/luminarychat/internal/proxy"
)

// ANSI color codes
const (
	luminaryGold = "\033[38;2;197;160;38m"
	bold         = "\033[1m"
	reset        = "\033[0m"
)

// ASCII banner for startup
const banner = `
 ██╗     ██╗   ██╗███╗   ███╗██╗███╗   ██╗ █████╗ ██████╗ ██╗   ██╗ ██████╗██╗  ██╗ █████╗ ████████╗
 ██║     ██║   ██║████╗ ████║██║████╗  ██║██╔══██╗██╔══██╗╚██╗ ██╔╝██╔════╝██║  ██║██╔══██╗╚══██╔══╝
 ██║     ██║   ██║██╔████╔██║██║██╔██╗ ██║███████║██████╔╝ ╚████╔╝ ██║     ███████║███████║   ██║
 ██║     ██║   ██║██║╚██╔╝██║██║██║╚██╗██║██╔══██║██╔══██╗  ╚██╔╝  ██║     ██╔══██║██╔══██║   ██║
 ███████╗╚██████╔╝██║ ╚═╝ ██║██║██║ ╚████║██║  ██║██║  ██║   ██║   ╚██████╗██║  ██║██║  ██║   ██║
 ╚══════╝ ╚═════╝ ╚═╝     ╚═╝╚═╝╚═╝  ╚═══╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝    ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝
`

func printBanner() {
	fmt.Print(luminaryGold + bold + banner + reset + "\n")
}

// loadEnvFiles loads .env from standard locations
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	// Try loading from ~/.config/luminarychat/.env first
	configEnv := filepath.Join(homeDir, ".config", "luminarychat", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Also load local .env (can override)
	_ = godotenv.Load()
}

// printAPIKeyError prints the error message when no API key is available.
func printAPIKeyError() {
	fmt.Fprintf(os.Stderr, "\n  \033[1;31mError:\033[0m API_KEY is not set.\n\n")
	fmt.Fprintf(os.Stderr, "  You must provide an upstream API key.\n\n")
	fmt.Fprintf(os.Stderr, "  Option 1: Export the key directly\n")
	fmt.Fprintf(os.Stderr, "    export API_KEY=sk-...\n\n")
	fmt.Fprintf(os.Stderr, "  Option 2: Add the key to your .env file\n")
	fmt.Fprintf(os.Stderr, "    echo 'API_KEY=sk-...' >> ~/.config/luminarychat/.env\n\n")
	os.Exit(1)
}

// resolveConfig resolves the config file in order of preference:
// user flag -> filesystem locations -> environment only.
func resolveConfig(userConfig string) (*config.Config, string, error) {
	if userConfig != "" {
		cfg, err := config.Load(userConfig)
		if err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return cfg, userConfig, nil
	}

	homeDir, _ := os.UserHomeDir()

	searchPaths := []string{}
	if homeDir != "" {
		searchPaths = append(searchPaths,
			filepath.Join(homeDir, ".config", "luminarychat", "config.yaml"),
		)
	}
	searchPaths = append(searchPaths,
		"configs/config.yaml",
		"config.yaml",
	)

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			if err != nil {
				return nil, "", err
			}
			return cfg, path, nil
		}
	}

	// No config file: environment variables alone are enough
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, "", err
	}
	return cfg, "(environment)", nil
}

func main() {
	loadEnvFiles()

	configPath := flag.String("config", "", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	noBanner := flag.Bool("no-banner", false, "suppress startup banner")
	flag.Parse()

	if !*noBanner {
		printBanner()
	}

	setupLogging(*debug)

	cfg, configSource, err := resolveConfig(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrMissingAPIKey) {
			printAPIKeyError()
		}
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().
		Str("version", proxy.Version).
		Str("config", configSource).
		Msg("LuminaryChat starting")

	personas, err := persona.NewRegistry(cfg.Personas.Dir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load personalities")
	}

	log.Info().
		Int("port", cfg.Server.Port).
		Str("upstream", cfg.Upstream.URL).
		Str("model", cfg.Upstream.Model).
		Int("personalities", personas.Len()).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("configuration loaded")

	srv := proxy.New(cfg, personas)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("gateway shutdown error")
		}
	}()

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("gateway error")
	}

	log.Info().Msg("LuminaryChat stopped")
}

// setupLogging configures zerolog with pretty console output.
func setupLogging(debug bool) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
