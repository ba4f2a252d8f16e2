package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// parseClaims reads identity claims from a JWT payload. The signature is
// not checked; the token was received straight from the issuer.
func parseClaims(jwt string) (User, bool) {
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		return User{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return User{}, false
	}
	var u User
	if err := json.Unmarshal(payload, &u); err != nil {
		return User{}, false
	}
	return u, true
}
