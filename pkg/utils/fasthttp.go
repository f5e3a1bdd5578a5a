package utils

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// JSONErrorFast writes a JSON error response on a fasthttp context.
func JSONErrorFast(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.Response.Header.Set("Content-Type", "application/json")
	ctx.SetStatusCode(status)
	_ = json.NewEncoder(ctx).Encode(map[string]string{"error": message})
}
