package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/solsync-africa/dispatch/pkg/util/errorutil"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("secret", "solsync", 5)
	token, exp, err := tm.GenerateToken("tech-9", RoleTechnician)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), exp, 5*time.Second)

	claims, err := tm.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "tech-9", claims.Subject)
	assert.Equal(t, RoleTechnician, claims.Role)
}

func TestParseTokenRejects(t *testing.T) {
	tm := NewTokenManager("secret", "solsync", 5)

	t.Run("wrong secret", func(t *testing.T) {
		token, _, err := NewTokenManager("other", "solsync", 5).GenerateToken("u", RoleCustomer)
		require.NoError(t, err)
		_, err = tm.ParseToken(token)
		assert.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token, _, err := NewTokenManager("secret", "elsewhere", 5).GenerateToken("u", RoleCustomer)
		require.NoError(t, err)
		_, err = tm.ParseToken(token)
		assert.Error(t, err)
	})

	t.Run("unknown role", func(t *testing.T) {
		token, _, err := tm.GenerateToken("u", Role("root"))
		require.NoError(t, err)
		_, err = tm.ParseToken(token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		claims := &Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "a",
			Issuer:    "solsync",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = tm.ParseToken(token)
		assert.Error(t, err)
	})

	t.Run("none algorithm", func(t *testing.T) {
		claims := &Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "a",
			Issuer:    "solsync",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = tm.ParseToken(token)
		assert.Error(t, err)
	})
}

func TestMiddlewareEnforcesRoles(t *testing.T) {
	tm := NewTokenManager("secret", "solsync", 5)
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.SendStatus(apperrors.ToDomainError(err).HTTPStatus)
		},
	})
	mw := NewAuthMiddleware(tm)
	app.Get("/admin", mw.Handle, RequireRole(RoleAdmin), func(c *fiber.Ctx) error {
		p, _ := PrincipalFromContext(c)
		return c.SendString(p.SubjectID)
	})

	adminToken, _, err := tm.GenerateToken("ops-1", RoleAdmin)
	require.NoError(t, err)
	customerToken, _, err := tm.GenerateToken("user-1", RoleCustomer)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer " + customerToken, http.StatusForbidden},
		{"admin", "Bearer " + adminToken, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}
