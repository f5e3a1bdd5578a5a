// prevaldb-health probes a running server's health endpoint. Intended for
// container health checks and deploy scripts; exits 0 when healthy.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/valyala/fasthttp"
)

func main() {
	url := flag.String("url", "http://localhost:8080/healthz", "health endpoint to probe")
	timeout := flag.Duration("timeout", 3*time.Second, "request timeout")
	flag.Parse()

	status, body, err := fasthttp.GetTimeout(nil, *url, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
		os.Exit(1)
	}
	if status != fasthttp.StatusOK {
		fmt.Fprintf(os.Stderr, "unhealthy: status=%d body=%s\n", status, body)
		os.Exit(1)
	}
	fmt.Printf("%s\n", body)
}
