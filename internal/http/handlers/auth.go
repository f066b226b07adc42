package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	dbpkg "loadouthub/internal/db"
	httpctx "loadouthub/internal/http/ctx"
	appmw "loadouthub/internal/http/middleware"
	"loadouthub/internal/security"
)

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a community account. The 201 on success is what the
// security gate watches to log register_success events.
func Register(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req registerRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}

		req.Email = strings.TrimSpace(strings.ToLower(req.Email))
		req.Username = strings.TrimSpace(req.Username)
		if req.Email == "" || !strings.Contains(req.Email, "@") {
			errResponse(ctx, fasthttp.StatusBadRequest, "a valid email is required")
			return
		}
		if req.Username == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "username is required")
			return
		}
		if len(req.Password) < 8 {
			errResponse(ctx, fasthttp.StatusBadRequest, "password must be at least 8 characters")
			return
		}

		var count int64
		if err := db.Model(&dbpkg.User{}).Where("email = ?", req.Email).Count(&count).Error; err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "database error")
			return
		}
		if count > 0 {
			errResponse(ctx, fasthttp.StatusConflict, "an account with this email already exists")
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to hash password")
			return
		}

		user := dbpkg.User{
			Email:        req.Email,
			Username:     req.Username,
			PasswordHash: string(hash),
		}
		if err := db.Create(&user).Error; err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to create user")
			return
		}

		jsonResponse(ctx, fasthttp.StatusCreated, map[string]any{
			"id":       user.ID,
			"email":    user.Email,
			"username": user.Username,
		})
	}
}

// TokenLogin exchanges credentials for a bearer token. A wrong email
// or password yields 401, which the gate counts toward auto-blocking.
func TokenLogin(db *gorm.DB, gate *security.Gate) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req loginRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}

		var user dbpkg.User
		err := db.Where("email = ?", strings.TrimSpace(strings.ToLower(req.Email))).First(&user).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				errResponse(ctx, fasthttp.StatusUnauthorized, "invalid credentials")
				return
			}
			errResponse(ctx, fasthttp.StatusInternalServerError, "database error")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
			errResponse(ctx, fasthttp.StatusUnauthorized, "invalid credentials")
			return
		}

		key, err := newTokenKey()
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to issue token")
			return
		}
		token := dbpkg.AuthToken{Key: key, UserID: user.ID}
		if err := db.Create(&token).Error; err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to issue token")
			return
		}

		gate.Log(&security.Event{
			Kind:      security.EventLoginSuccess,
			Severity:  security.SeverityLow,
			IPAddress: appmw.ClientIP(ctx),
			UserAgent: string(ctx.UserAgent()),
			UserID:    &user.ID,
			Endpoint:  string(ctx.Path()),
			Method:    string(ctx.Method()),
		})

		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"auth_token": token.Key})
	}
}

// TokenLogout deletes the presented token.
func TokenLogout(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token, ok := httpctx.TokenFromCtx(ctx)
		if !ok || token == nil {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			ctx.SetBodyString("unauthorized")
			return
		}
		if err := db.Delete(&dbpkg.AuthToken{}, token.ID).Error; err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to delete token")
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

func newTokenKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
