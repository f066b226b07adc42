package middleware

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"

	"loadouthub/internal/security"
)

// SecurityGate wires the gate in front of every route: banned IPs and
// rate-limit violations are short-circuited before the router runs,
// and the response status is fed back for failed-login / registration
// monitoring. The gate itself never returns an error; degraded stores
// fail open inside it.
func SecurityGate(gate *security.Gate) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			req := security.RequestInfo{
				IP:        ClientIP(ctx),
				Path:      string(ctx.Path()),
				Method:    string(ctx.Method()),
				UserAgent: string(ctx.UserAgent()),
			}

			if rej := gate.Check(req); rej != nil {
				writeRejection(ctx, rej)
				return
			}

			next(ctx)

			gate.Observe(req, ctx.Response.StatusCode())
		}
	}
}

// ClientIP resolves the client identifier for rate limiting and
// blocking: the first hop of X-Forwarded-For when present, else the
// peer address.
func ClientIP(ctx *fasthttp.RequestCtx) string {
	if xff := ctx.Request.Header.Peek("X-Forwarded-For"); len(xff) > 0 {
		first := strings.TrimSpace(strings.SplitN(string(xff), ",", 2)[0])
		if first != "" {
			return first
		}
	}

	addr := ctx.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	return addr
}

func writeRejection(ctx *fasthttp.RequestCtx, rej *security.Rejection) {
	body := map[string]any{
		"error":   rej.Error,
		"message": rej.Message,
	}
	if rej.Status == fasthttp.StatusTooManyRequests {
		body["retry_after"] = rej.RetryAfter
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(rej.RetryAfter))
	}

	payload, _ := json.Marshal(body)
	ctx.SetStatusCode(rej.Status)
	ctx.SetContentType("application/json")
	ctx.SetBody(payload)
}
