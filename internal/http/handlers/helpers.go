package handlers

import (
	"encoding/json"
	"log"
	"time"

	"github.com/valyala/fasthttp"

	dbpkg "loadouthub/internal/db"
	httpctx "loadouthub/internal/http/ctx"
)

// MustUser returns the current user from context, or sends 401 and returns (nil, false).
func MustUser(ctx *fasthttp.RequestCtx) (*dbpkg.User, bool) {
	user, ok := httpctx.UserFromCtx(ctx)
	if !ok || user == nil {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		ctx.SetBodyString("unauthorized")
		return nil, false
	}
	return user, true
}

// RequestLogger returns fasthttp middleware that logs method, path, status, duration.
func RequestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		log.Printf("%s %s -> %d (%s) ip=%s", ctx.Method(), ctx.Path(), ctx.Response.StatusCode(), time.Since(start), ctx.RemoteAddr())
	}
}

func jsonResponse(ctx *fasthttp.RequestCtx, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString("encoding error")
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, status int, msg string) {
	jsonResponse(ctx, status, map[string]any{"error": msg})
}

// parsePaging reads limit/offset query args, clamping limit to 100.
func parsePaging(ctx *fasthttp.RequestCtx) (limit, offset int) {
	limit = 50
	if v, err := ctx.QueryArgs().GetUint("limit"); err == nil && v > 0 {
		limit = v
	}
	if limit > 100 {
		limit = 100
	}
	if v, err := ctx.QueryArgs().GetUint("offset"); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
