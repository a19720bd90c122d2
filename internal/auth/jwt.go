package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload inside an operator-API token.
//
// Ingest traffic never carries one of these — bots authenticate by
// tenant credential at the ingress. Tokens exist only for the human
// operator surface (manual reversals, mitigation listing, audit tail).
//
// Embedding jwt.RegisteredClaims gives the standard fields (ExpiresAt,
// IssuedAt, Issuer) that tooling recognizes; OperatorID and TenantID
// sit on top.
type Claims struct {
	OperatorID string `json:"operator_id"`
	TenantID   string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed operator token scoped to one tenant.
//
// HS256: one shared secret between the gateway and whatever issues
// operator tokens. If token issuance ever moves to a separate service,
// switch to RS256 so only the issuer holds the signing key.
func GenerateToken(operatorID, tenantID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		OperatorID: operatorID,
		TenantID:   tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "botgate",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// ParseToken validates a token string and extracts the claims. It
// verifies the signature, the expiry, and that the signing method is
// HMAC — a token signed with "none" or RSA is rejected before
// signature verification (the classic algorithm-confusion attack).
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}
