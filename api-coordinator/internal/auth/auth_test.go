package auth

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() { gin.SetMode(gin.TestMode) }

func newService(t *testing.T) (Service, TokenManager) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	tm := NewJWTTokenManager("key", time.Hour)
	return NewService("admin", string(hash), tm), tm
}

func TestLoginIssuesValidToken(t *testing.T) {
	svc, tm := newService(t)
	ctx := context.Background()

	token, err := svc.Login(ctx, "admin", "s3cret")
	require.NoError(t, err)
	sub, err := tm.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "admin", sub)

	_, err = svc.Login(ctx, "admin", "nope")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "root", "s3cret")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = NewService("admin", "", tm).Login(ctx, "admin", "s3cret")
	require.ErrorIs(t, err, ErrLoginDisabled)
}

func TestValidateTokenRejects(t *testing.T) {
	tm := NewJWTTokenManager("key", time.Hour)
	other := NewJWTTokenManager("other-key", time.Hour)
	token, err := other.GenerateToken("admin")
	require.NoError(t, err)
	_, err = tm.ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired := &jwtTokenManager{secret: []byte("key"), ttl: time.Minute, now: func() time.Time { return time.Now().Add(-time.Hour) }}
	token, err = expired.GenerateToken("admin")
	require.NoError(t, err)
	_, err = tm.ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = tm.ValidateToken("garbage")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddlewareAndLoginRoute(t *testing.T) {
	svc, tm := newService(t)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/api/auth"))
	r.POST("/protected", AuthMiddleware(tm), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("subject"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/protected", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(`{"user":"admin","password":"bad"}`)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := tm.GenerateToken("admin")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "admin", rec.Body.String())

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(`{"user":"admin","password":"s3cret"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"token"`)
}
