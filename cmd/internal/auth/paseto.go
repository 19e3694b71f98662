package auth

import (
	"net/http"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

const (
	claimUserID = "uid"
	claimName   = "name"
	claimAvatar = "avatar"

	defaultClockSkew = 30 * time.Second
)

// PasetoResolver verifies PASETO v4.public access tokens issued by the account service.
//
// Required claims: iss, exp, uid. Optional: name, avatar. The display name falls back
// to the user id.
type PasetoResolver struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
	now       func() time.Time
}

// NewPasetoResolver builds a resolver from a hex-encoded Ed25519 public key.
func NewPasetoResolver(publicKeyHex, issuer string) (*PasetoResolver, error) {
	if strings.TrimSpace(issuer) == "" {
		return nil, ErrConfig
	}
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(publicKeyHex))
	if err != nil {
		return nil, ErrConfig
	}
	return &PasetoResolver{
		issuer:    issuer,
		clockSkew: defaultClockSkew,
		public:    public,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Resolve implements Resolver.
func (p *PasetoResolver) Resolve(r *http.Request) (Identity, error) {
	token := BearerToken(r)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	return p.Verify(token)
}

// Verify checks a raw token and returns its identity.
func (p *PasetoResolver) Verify(token string) (Identity, error) {
	// Validate slightly in the future to tolerate "nbf" skew between hosts.
	validNow := p.now().Add(p.clockSkew)

	// Fresh parser per call so rules do not accumulate.
	parser := paseto.NewParser()
	parser.AddRule(paseto.IssuedBy(p.issuer))
	parser.AddRule(paseto.NotExpired())
	parser.AddRule(paseto.ValidAt(validNow))

	parsed, err := parser.ParseV4Public(p.public, token, nil)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}

	uid, err := parsed.GetString(claimUserID)
	if err != nil || strings.TrimSpace(uid) == "" {
		return Identity{}, ErrUnauthenticated
	}
	id := Identity{ID: uid, DisplayName: uid}
	if name, err := parsed.GetString(claimName); err == nil && strings.TrimSpace(name) != "" {
		id.DisplayName = name
	}
	if avatar, err := parsed.GetString(claimAvatar); err == nil {
		id.AvatarURL = avatar
	}
	return id, nil
}

// PasetoIssuer signs access tokens in the format PasetoResolver accepts.
// Production tokens come from the account service; this is for local tooling and tests.
type PasetoIssuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewPasetoIssuer builds an issuer from a hex-encoded Ed25519 secret key.
func NewPasetoIssuer(secretKeyHex, issuer string, ttl time.Duration) (*PasetoIssuer, error) {
	if strings.TrimSpace(issuer) == "" || ttl <= 0 {
		return nil, ErrConfig
	}
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(secretKeyHex))
	if err != nil {
		return nil, ErrConfig
	}
	return &PasetoIssuer{issuer: issuer, ttl: ttl, secret: secret}, nil
}

// NewKeyPairHex generates a fresh Ed25519 key pair as hex (secret, public).
func NewKeyPairHex() (secretHex, publicHex string) {
	secret := paseto.NewV4AsymmetricSecretKey()
	return secret.ExportHex(), secret.Public().ExportHex()
}

// Issue signs a token for id valid from now.
func (i *PasetoIssuer) Issue(id Identity, now time.Time) (string, time.Time) {
	exp := now.Add(i.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(i.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	tok.SetString(claimUserID, id.ID)
	if id.DisplayName != "" {
		tok.SetString(claimName, id.DisplayName)
	}
	if id.AvatarURL != "" {
		tok.SetString(claimAvatar, id.AvatarURL)
	}

	return tok.V4Sign(i.secret, nil), exp
}
