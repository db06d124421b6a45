package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"
)

// DiagnosticCookie carries an operator token that switches scans into diagnostic mode.
const DiagnosticCookie = "band_diag"

// GenerateOperatorToken signs a token embedding the operator name in the “sub” claim.
func GenerateOperatorToken(subject, secret string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

// verifies the JWT and returns the operator name.
func parseToken(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("invalid sub claim")
	}
	return sub, nil
}

// OperatorJWT checks “Authorization: Bearer <token>”, verifies it and sets
// “operator” in context.
func OperatorJWT(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearer(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth header"})
			return
		}

		operator, err := parseToken(token, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(operatorKey, operator)
		c.Next()
	}
}

// DiagnosticOperator returns the operator behind a valid diagnostic marker,
// from the band_diag cookie or the diag query parameter.
func DiagnosticOperator(c *gin.Context, secret string) (string, bool) {
	token := c.Query("diag")
	if token == "" {
		cookie, err := c.Cookie(DiagnosticCookie)
		if err != nil {
			return "", false
		}
		token = cookie
	}
	if token == "" || secret == "" {
		return "", false
	}
	operator, err := parseToken(token, secret)
	if err != nil {
		return "", false
	}
	return operator, true
}

func bearer(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
