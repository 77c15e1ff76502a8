package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/conduitrun/conduit/internal/domain"
	"github.com/conduitrun/conduit/internal/platform/dbctx"
)

// assertionClaims is the bearer assertion the Keychain mints for
// oauth_config, service_account_json and bearer_secret credential
// kinds — it is not a
// user session token, just a short-lived proof an action presents to
// whatever external system the credential authenticates against.
type assertionClaims struct {
	jwt.RegisteredClaims
	CredentialName string `json:"cred"`
}

type cachedAssertion struct {
	token     string
	expiresAt time.Time
}

// Keychain resolves a Credential by name into whatever an Action needs
// to authenticate a call, minting a fresh bearer assertion when the
// cached one is within its refresh window of expiring. Per the
// component design, refreshed assertions are never persisted back to
// the Credential row — only the underlying secret is durable, the
// derived assertion lives in process memory for its lifetime.
type Keychain struct {
	store     Store
	signing   []byte
	ttl       time.Duration
	refreshAt time.Duration

	mu    sync.Mutex
	cache map[string]cachedAssertion
}

// NewKeychain builds a Keychain. signingKey authenticates the bearer
// assertions this process mints; ttl is how long a minted assertion is
// valid; a cached assertion is renewed once less than 20% of its ttl
// remains.
func NewKeychain(store Store, signingKey []byte, ttl time.Duration) *Keychain {
	return &Keychain{
		store:     store,
		signing:   signingKey,
		ttl:       ttl,
		refreshAt: ttl / 5,
		cache:     map[string]cachedAssertion{},
	}
}

// Resolve returns the credential's kind, its raw payload (for kinds an
// action consumes directly, e.g. postgres_conn), and — for kinds that
// need one — a bearer assertion string. Non-bearer kinds return an
// empty assertion.
func (k *Keychain) Resolve(ctx context.Context, name string) (domain.CredentialKind, Payload, string, error) {
	kind, payload, err := k.store.Resolve(dbctx.Context{Ctx: ctx}, name)
	if err != nil {
		return "", nil, "", err
	}
	switch kind {
	case domain.CredentialOAuthConfig, domain.CredentialServiceAccount, domain.CredentialBearerSecret:
		assertion, err := k.assertionFor(name)
		if err != nil {
			return "", nil, "", err
		}
		return kind, payload, assertion, nil
	default:
		return kind, payload, "", nil
	}
}

func (k *Keychain) assertionFor(name string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	if cached, ok := k.cache[name]; ok && cached.expiresAt.Sub(now) > k.refreshAt {
		return cached.token, nil
	}

	claims := assertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(k.ttl)),
		},
		CredentialName: name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(k.signing)
	if err != nil {
		return "", fmt.Errorf("credential: mint assertion for %s: %w", name, err)
	}
	k.cache[name] = cachedAssertion{token: signed, expiresAt: now.Add(k.ttl)}
	return signed, nil
}

// Verify checks a bearer assertion this Keychain minted and returns the
// credential name it was issued for. Used by tests and by any
// diagnostic endpoint that needs to confirm an assertion is still live.
func (k *Keychain) Verify(assertion string) (string, error) {
	parsed, err := jwt.ParseWithClaims(assertion, &assertionClaims{}, func(t *jwt.Token) (interface{}, error) {
		return k.signing, nil
	})
	if err != nil {
		return "", fmt.Errorf("credential: parse assertion: %w", err)
	}
	claims, ok := parsed.Claims.(*assertionClaims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("credential: invalid assertion")
	}
	return claims.CredentialName, nil
}
