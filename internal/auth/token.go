package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorilla/securecookie"
)

// Errors for token management
var (
	ErrMissingTokenKey = errors.New("token keys not configured")
	ErrInvalidTokenKey = errors.New("invalid token key format")
	ErrInvalidToken    = errors.New("invalid token")
)

// tokenName binds encoded values to their use; a value signed under another name does not decode.
const tokenName = "macrolink-token"

// DefaultTokenMaxAge is how long an issued token is accepted.
const DefaultTokenMaxAge = 24 * time.Hour

// TokenConfig holds token issuer configuration
type TokenConfig struct {
	// AllowInsecureKeys allows random key generation in dev mode
	// If false and keys are missing, NewTokenIssuer returns an error
	AllowInsecureKeys bool
	// MaxAge limits token lifetime (0 = DefaultTokenMaxAge)
	MaxAge time.Duration
}

// TokenIssuer signs and verifies the tokens handed out on successful authentication.
type TokenIssuer struct {
	sc *securecookie.SecureCookie
}

// TokenClaims is the payload carried inside a token.
type TokenClaims struct {
	ClientID  uint   `json:"client_id"`
	SessionID string `json:"sid"`
	IssuedAt  int64  `json:"issued_at"`
}

// Track whether we've already warned about missing keys (warn only once)
var (
	keyWarningOnce sync.Once
	keyWarningMsg  string
)

// NewTokenIssuer creates a token issuer from TOKEN_HASH_KEY and TOKEN_BLOCK_KEY.
// In production (AllowInsecureKeys=false), returns error if keys are not configured.
// In development (AllowInsecureKeys=true), generates random keys with a warning.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	hashKey, err := getKey("TOKEN_HASH_KEY", 32, cfg.AllowInsecureKeys)
	if err != nil {
		return nil, err
	}

	blockKey, err := getKey("TOKEN_BLOCK_KEY", 32, cfg.AllowInsecureKeys)
	if err != nil {
		return nil, err
	}

	keyWarningOnce.Do(func() {
		if keyWarningMsg != "" {
			log.Println(keyWarningMsg)
		}
	})

	return NewTokenIssuerWithKeys(hashKey, blockKey, cfg.MaxAge), nil
}

// NewTokenIssuerWithKeys creates a token issuer from explicit keys.
func NewTokenIssuerWithKeys(hashKey, blockKey []byte, maxAge time.Duration) *TokenIssuer {
	if maxAge <= 0 {
		maxAge = DefaultTokenMaxAge
	}
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(maxAge.Seconds()))
	sc.SetSerializer(securecookie.JSONEncoder{})
	return &TokenIssuer{sc: sc}
}

// getKey reads key from environment or generates a random one if allowed
func getKey(envVar string, length int, allowRandom bool) ([]byte, error) {
	keyHex := os.Getenv(envVar)
	if keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, ErrInvalidTokenKey
		}
		if len(key) < length {
			return nil, ErrInvalidTokenKey
		}
		return key[:length], nil
	}

	if !allowRandom {
		return nil, ErrMissingTokenKey
	}

	// Tokens won't survive a restart with random keys
	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	keyWarningMsg = "WARNING: Token keys not configured. Using random keys - issued tokens will not survive a server restart. Set TOKEN_HASH_KEY and TOKEN_BLOCK_KEY environment variables for production."

	return key, nil
}

// Issue returns a signed, encrypted token for the client.
func (ti *TokenIssuer) Issue(clientID uint, sessionID string) (string, error) {
	claims := TokenClaims{
		ClientID:  clientID,
		SessionID: sessionID,
		IssuedAt:  time.Now().Unix(),
	}
	return ti.sc.Encode(tokenName, claims)
}

// Validate decodes token and returns its claims. Expired or tampered tokens yield ErrInvalidToken.
func (ti *TokenIssuer) Validate(token string) (*TokenClaims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	var claims TokenClaims
	if err := ti.sc.Decode(tokenName, token, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
