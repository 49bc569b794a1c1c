package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "modmail"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: 401, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: 403, code: "forbidden", message: message}
}

// scopeSet accepts either a JSON array of scopes or a space separated string.
type scopeSet map[string]struct{}

func (s *scopeSet) UnmarshalJSON(data []byte) error {
	out := scopeSet{}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		var joined string
		if err := json.Unmarshal(data, &joined); err != nil {
			return errors.New("scopes must be a string or an array of strings")
		}
		list = strings.Fields(joined)
	}
	for _, scope := range list {
		if scope = strings.TrimSpace(scope); scope != "" {
			out[scope] = struct{}{}
		}
	}
	*s = out
	return nil
}

// tokenClaims identifies the operator or integration calling the API.
type tokenClaims struct {
	AgentName string   `json:"agent_name"`
	Scopes    scopeSet `json:"scopes"`
	jwt.RegisteredClaims
}

func (c tokenClaims) hasScope(scope string) bool {
	_, ok := c.Scopes[scope]
	return ok
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return tokenClaims{}, unauthorized("token expired")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return tokenClaims{}, unauthorized("invalid aud claim")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	case err != nil:
		return tokenClaims{}, unauthorized("invalid jwt: " + err.Error())
	}
	if claims.AgentName == "" {
		return tokenClaims{}, unauthorized("missing agent_name claim")
	}
	if len(claims.Scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return claims, nil
}

// verifyInternalHMAC checks a gateway relay request signed as
// hex(hmac_sha256(secret, timestamp + "\n" + body)).
func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("missing internal auth headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid internal timestamp")
	}
	if delta := now.Sub(ts); delta > maxSkew || -delta > maxSkew {
		return unauthorized("internal request outside replay window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp + "\n"))
	_, _ = mac.Write(body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(hex.EncodeToString(mac.Sum(nil)))) {
		return unauthorized("internal signature mismatch")
	}
	return nil
}
