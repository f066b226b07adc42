package ctx

import (
	"github.com/valyala/fasthttp"

	dbpkg "loadouthub/internal/db"
)

const (
	UserKey  = "user"
	TokenKey = "authToken"
)

func SetUser(ctx *fasthttp.RequestCtx, user *dbpkg.User) {
	ctx.SetUserValue(UserKey, user)
}

func UserFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.User, bool) {
	v := ctx.UserValue(UserKey)
	if v == nil {
		return nil, false
	}
	u, ok := v.(*dbpkg.User)
	return u, ok
}

func SetToken(ctx *fasthttp.RequestCtx, token *dbpkg.AuthToken) {
	ctx.SetUserValue(TokenKey, token)
}

func TokenFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.AuthToken, bool) {
	v := ctx.UserValue(TokenKey)
	if v == nil {
		return nil, false
	}
	t, ok := v.(*dbpkg.AuthToken)
	return t, ok
}
