package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pickcreator-backend/pkg/jwt"
)

func newAuthRouter(manager *jwt.JWTManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthMiddleware(manager), func(c *gin.Context) {
		id, _ := UserID(c)
		c.String(http.StatusOK, id)
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret-key-that-is-long-enough", "pickcreator", time.Minute)
	token, err := manager.GenerateAccessToken("user-1", "alice")
	require.NoError(t, err)

	other := jwt.NewJWTManager("a-different-secret-key-entirely!!", "pickcreator", time.Minute)
	forged, err := other.GenerateAccessToken("user-1", "alice")
	require.NoError(t, err)

	tests := []struct {
		name   string
		target string
		header string
		status int
		body   string
	}{
		{"bearer header", "/me", "Bearer " + token, http.StatusOK, "user-1"},
		{"query token", "/me?token=" + token, "", http.StatusOK, "user-1"},
		{"missing", "/me", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "/me", "Basic " + token, http.StatusUnauthorized, ""},
		{"malformed header", "/me", "Bearer", http.StatusUnauthorized, ""},
		{"bad signature", "/me", "Bearer " + forged, http.StatusUnauthorized, ""},
		{"header wins over query", "/me?token=" + token, "Bearer garbage", http.StatusUnauthorized, ""},
	}

	router := newAuthRouter(manager)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestUserIDWithoutAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	_, ok := UserID(c)
	assert.False(t, ok)

	c.Set("user_id", "")
	_, ok = UserID(c)
	assert.False(t, ok)

	c.Set("user_id", "user-2")
	id, ok := UserID(c)
	assert.True(t, ok)
	assert.Equal(t, "user-2", id)
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://app.example.com"}
	assert.True(t, OriginAllowed(allowed, "https://app.example.com"))
	assert.False(t, OriginAllowed(allowed, "https://other.example.com"))
	assert.True(t, OriginAllowed([]string{"*"}, "https://anything.example.com"))
	assert.False(t, OriginAllowed(nil, "https://app.example.com"))
}
