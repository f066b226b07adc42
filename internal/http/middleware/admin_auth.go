package middleware

import (
	"github.com/valyala/fasthttp"

	httpctx "loadouthub/internal/http/ctx"
)

// AdminOnly rejects requests whose authenticated user is not an admin.
// It must run inside BearerAuth.
func AdminOnly(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		user, ok := httpctx.UserFromCtx(ctx)
		if !ok || user == nil {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			ctx.SetBodyString("unauthorized")
			return
		}
		if !user.IsAdmin {
			ctx.SetStatusCode(fasthttp.StatusForbidden)
			ctx.SetBodyString("admin access required")
			return
		}
		next(ctx)
	}
}
