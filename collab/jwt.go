package collab

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// document access token claims: which user, which document, and
// whether the holder may write. The client parses unverified to fail
// fast before any channel i/o; the relay verifies the signature.
type AccessClaims struct {
	UserId     string
	DocumentId string
	CanWrite   bool
}

func ParseAccessTokenUnverified(accessToken string) (*AccessClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(accessToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return claimsFromToken(token)
}

func VerifyAccessToken(accessToken string, secret []byte) (*AccessClaims, error) {
	token, err := gojwt.Parse(
		accessToken,
		func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		},
	)
	if err != nil {
		return nil, err
	}
	return claimsFromToken(token)
}

func claimsFromToken(token *gojwt.Token) (*AccessClaims, error) {
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("bad claims type %T", token.Claims)
	}

	accessClaims := &AccessClaims{}
	if userId, ok := claims["user_id"].(string); ok {
		accessClaims.UserId = userId
	}
	if documentId, ok := claims["document_id"].(string); ok {
		accessClaims.DocumentId = documentId
	}
	if canWrite, ok := claims["can_write"].(bool); ok {
		accessClaims.CanWrite = canWrite
	}
	if accessClaims.UserId == "" || accessClaims.DocumentId == "" {
		return nil, fmt.Errorf("missing user_id or document_id claim")
	}
	return accessClaims, nil
}

func NewAccessToken(claims *AccessClaims, secret []byte, expiresIn time.Duration) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":     claims.UserId,
		"document_id": claims.DocumentId,
		"can_write":   claims.CanWrite,
		"exp":         time.Now().Add(expiresIn).Unix(),
	})
	return token.SignedString(secret)
}
