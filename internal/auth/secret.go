package auth

import "golang.org/x/crypto/bcrypt"

// HashSecret hashes a tenant ingest secret for storage. bcrypt's
// default cost and per-hash salt; the registration service calls this,
// the gateway only ever verifies.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret does a constant-time comparison of a presented ingest
// secret against the stored hash.
func VerifySecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
