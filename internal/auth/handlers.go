package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// WhoAmI handles GET /v1/whoami, echoing the caller's principal.
func WhoAmI(c *gin.Context) {
	p, ok := PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "not authenticated"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal": p})
}
