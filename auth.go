package terrastream

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Short-lived bearer tokens for token-protected tile services.
// Providers attach these to outbound raster fetches.

type ProviderAuth struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

func NewProviderAuth(signingKey []byte, issuer string, ttl time.Duration) *ProviderAuth {
	return &ProviderAuth{
		signingKey: signingKey,
		issuer:     issuer,
		ttl:        ttl,
	}
}

func (self *ProviderAuth) MintToken(layerId Id) (string, error) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"iss":      self.issuer,
		"layer_id": layerId.String(),
		"iat":      now.Unix(),
		"exp":      now.Add(self.ttl).Unix(),
	})
	return token.SignedString(self.signingKey)
}

func (self *ProviderAuth) VerifyToken(tokenStr string) (Id, error) {
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			return self.signingKey, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
	)
	if err != nil {
		return Id{}, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return Id{}, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	layerIdStr, ok := claims["layer_id"].(string)
	if !ok {
		return Id{}, fmt.Errorf("token missing layer_id")
	}
	return ParseId(layerIdStr)
}
