package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims はIDトークンから読み取ったクレーム。
type TokenClaims struct {
	UserID    string
	Email     string
	Name      string
	Picture   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ParseTokenClaims はIDトークンのクレームを署名検証なしで読み取る。
// 署名の検証はバックエンドの責務であり、ここでは有効期限の把握にのみ使う。
func ParseTokenClaims(idToken string) (*TokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("failed to parse id token: %w", err)
	}

	tc := &TokenClaims{
		UserID:  stringClaim(claims, "user_id"),
		Email:   stringClaim(claims, "email"),
		Name:    stringClaim(claims, "name"),
		Picture: stringClaim(claims, "picture"),
	}
	if tc.UserID == "" {
		sub, err := claims.GetSubject()
		if err == nil {
			tc.UserID = sub
		}
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		tc.IssuedAt = iat.Time
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("invalid exp claim: %w", err)
	}
	if exp == nil {
		return nil, fmt.Errorf("id token has no exp claim")
	}
	tc.ExpiresAt = exp.Time

	return tc, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	v, _ := claims[name].(string)
	return v
}
