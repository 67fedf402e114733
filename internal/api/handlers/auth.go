package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// DashboardToken issues a short-lived read-only token so the dashboard can
// poll status endpoints without holding the admin key in the browser.
func (h *Handler) DashboardToken(c *gin.Context) {
	if c.GetBool("read_only") {
		c.JSON(http.StatusForbidden, gin.H{"error": "Admin key required"})
		return
	}

	ttl := h.cfg.Admin.DashboardTokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "dashboard",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.cfg.Admin.APIKey))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": now.Add(ttl).UTC(),
	})
}
