package identity

import (
	"context"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwtClaims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

func getSecret() []byte {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret"
	}
	return []byte(secret)
}

// SignAccessToken 签发访问令牌（测试和单机部署用）。
func SignAccessToken(userID uint64, username string, ttl time.Duration) (string, time.Time, error) {
	claims := &jwtClaims{
		UserID:   userID,
		Username: username,
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(getSecret())
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.Now().Add(ttl), nil
}

// JWTVerifier 本地 HS256 验签，不走网络。
type JWTVerifier struct{}

func NewJWTVerifier() *JWTVerifier { return &JWTVerifier{} }

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwtClaims{}, func(token *jwt.Token) (interface{}, error) {
		return getSecret(), nil
	})
	if err != nil {
		return Claims{}, ErrUnauthenticated
	}
	claims, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrUnauthenticated
	}
	if claims.Type != "" && claims.Type != "access" {
		return Claims{}, ErrUnauthenticated
	}
	return Claims{UserID: claims.UserID, Username: claims.Username, Type: claims.Type}, nil
}
