package main

import (
	"context"
	"log"
	"net"
	"strconv"

	"github.com/joho/godotenv"

	"prevaldb/internal/app"
	"prevaldb/pkg/config"
	"prevaldb/pkg/logger"
	"prevaldb/pkg/shutdown"
)

func main() {
	// build metadata - set via ldflags during build/release
	var version = "dev"

	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// flags win over config/env when provided explicitly
	if setFlags["addr"] {
		cfg.Server.Address = ""
		cfg.Server.Port = 0
		if host, port, ok := splitAddr(addrVal); ok {
			cfg.Server.Address = host
			cfg.Server.Port = port
		}
	}
	if setFlags["db"] {
		cfg.Storage.DBPath = dbVal
	}

	source := "config"
	if envUsed {
		source = "config+env"
	}
	if setFlags["addr"] || setFlags["db"] {
		source += "+flags"
	}

	logger.InitWithLevel(cfg.Logging.Level)
	defer logger.Sync()

	a, err := app.New(cfg, source, version)
	if err != nil {
		shutdown.Abort("failed to initialize server", err, cfg.Storage.DBPath, 0)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("server exited with error", err, cfg.Storage.DBPath, 0)
	}
}

func splitAddr(addr string) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}
