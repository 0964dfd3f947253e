package httptoolkit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// BasicAuth sets HTTP basic authentication on every request.
func BasicAuth(username, password string) RequestTransformer {
	return RequestTransformerFunc(func(req *http.Request) (*http.Request, error) {
		out := req.Clone(req.Context())
		out.SetBasicAuth(username, password)
		return out, nil
	})
}

// BearerToken sets a static bearer token on every request.
func BearerToken(token string) RequestTransformer {
	return RequestTransformerFunc(func(req *http.Request) (*http.Request, error) {
		out := req.Clone(req.Context())
		out.Header.Set("Authorization", "Bearer "+token)
		return out, nil
	})
}

// OAuth2 sets the Authorization header from source. Wrap source with
// oauth2.ReuseTokenSource to avoid fetching a token per request.
func OAuth2(source oauth2.TokenSource) RequestTransformer {
	return RequestTransformerFunc(func(req *http.Request) (*http.Request, error) {
		token, err := source.Token()
		if err != nil {
			return nil, err
		}
		out := req.Clone(req.Context())
		token.SetAuthHeader(out)
		return out, nil
	})
}

// JWTConfig describes the tokens minted by JWTAuth.
type JWTConfig struct {
	Key      []byte
	Issuer   string
	Subject  string
	Audience []string
	// TTL defaults to one minute.
	TTL time.Duration
	// Now is used for the issued-at claim. Defaults to time.Now.
	Now func() time.Time
}

// JWTAuth signs a short-lived HS256 token per request and sends it as a
// bearer token.
func JWTAuth(cfg JWTConfig) RequestTransformer {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return RequestTransformerFunc(func(req *http.Request) (*http.Request, error) {
		now := cfg.Now()
		claims := jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   cfg.Subject,
			Audience:  cfg.Audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
			ID:        uuid.New().String(),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Key)
		if err != nil {
			return nil, err
		}
		out := req.Clone(req.Context())
		out.Header.Set("Authorization", "Bearer "+signed)
		return out, nil
	})
}

// SigV4 signs every request with AWS Signature Version 4. The body is hashed
// from a snapshot, so streamed bodies without GetBody fail with
// ErrUnclonableBody.
func SigV4(credentials aws.CredentialsProvider, service, region string) RequestTransformer {
	signer := v4.NewSigner()
	return RequestTransformerFunc(func(req *http.Request) (*http.Request, error) {
		ctx := req.Context()

		creds, err := credentials.Retrieve(ctx)
		if err != nil {
			return nil, err
		}

		snapshot, err := SnapshotRequest(req)
		if err != nil {
			return nil, err
		}
		out := snapshot.Request(ctx)

		sum := sha256.Sum256(snapshot.Body())
		if err := signer.SignHTTP(ctx, creds, out, hex.EncodeToString(sum[:]), service, region, time.Now()); err != nil {
			return nil, err
		}
		return out, nil
	})
}
