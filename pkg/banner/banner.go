package banner

import (
	"fmt"

	"prevaldb/pkg/config"
)

const banner = `
██████╗ ██████╗ ███████╗██╗   ██╗ █████╗ ██╗     ██████╗ ██████╗
██╔══██╗██╔══██╗██╔════╝██║   ██║██╔══██╗██║     ██╔══██╗██╔══██╗
██████╔╝██████╔╝█████╗  ██║   ██║███████║██║     ██║  ██║██████╔╝
██╔═══╝ ██╔══██╗██╔══╝  ╚██╗ ██╔╝██╔══██║██║     ██║  ██║██╔══██╗
██║     ██║  ██║███████╗ ╚████╔╝ ██║  ██║███████╗██████╔╝██████╔╝
╚═╝     ╚═╝  ╚═╝╚══════╝  ╚═══╝  ╚═╝  ╚═╝╚══════╝╚═════╝ ╚═════╝
`

// Print displays the startup banner with the effective configuration and
// the served endpoints.
func Print(cfg *config.Config, addr, dbPath, source, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if source != "" {
		fmt.Printf("Config:   %s\n", source)
	}
	if cfg != nil {
		if cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
			fmt.Println("TLS:      configured")
		} else {
			fmt.Println("TLS:      unconfigured")
		}
		if cfg.Ingest.Queue.WAL.Enabled {
			fmt.Println("Journal:  enabled")
		} else {
			fmt.Println("Journal:  DISABLED (submissions are lost on crash)")
		}
		if cfg.Retention.Enabled {
			fmt.Printf("Purge:    enabled (cron=%s period=%s)\n", cfg.Retention.Cron, cfg.Retention.Period.Duration())
		} else {
			fmt.Println("Purge:    disabled (transaction ledger grows unbounded)")
		}
		if cfg.Server.FastHTTP.Enabled {
			fmt.Printf("Submit:   fasthttp listener on %s\n", cfg.Server.FastHTTP.Address)
		}
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("GET  /range/{prefix}            - Range lookup (5 hex chars, plain text)")
	fmt.Println("POST /v1/batches                - Submit a batch (202 on accept)")
	fmt.Println("POST /v1/prefixes/{prefix}      - Provision an empty prefix partition")
	fmt.Println("GET  /v1/hashes/{hash}          - Aggregate prevalence for one hash")
	fmt.Println("GET  /v1/transactions/{id}      - Submission receipt")
	fmt.Println("GET  /metrics | /healthz | /readyz | /docs")
	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl 'http://localhost%s/range/21BD1'\n", addr)
	fmt.Printf("curl -X POST 'http://localhost%s/v1/batches' -d '{\"subscription\":\"s1\",\"transaction\":\"t1\",\"entries\":{...}}'\n", addr)
	fmt.Println("\n== Logs: =================================================")
}
