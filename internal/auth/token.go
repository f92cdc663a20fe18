package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/errors"

	"github.com/dukerupert/rota/internal/model"
)

// Claims carry the user id as subject and the session id as token id.
type Claims struct {
	jwt.RegisteredClaims
}

// Tokens signs and parses bearer access tokens.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), now: time.Now}
}

func (t *Tokens) Issue(sess *model.Session) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.UserID,
			ID:        sess.ID,
			IssuedAt:  jwt.NewNumericDate(t.now()),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", errors.Annotate(err, "sign token")
	}
	return signed, nil
}

func (t *Tokens) Parse(token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errors.Unauthorizedf("invalid token: %v", err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, errors.Unauthorizedf("token without subject")
	}
	return &claims, nil
}

// SessionGetter returns a live session or nil.
type SessionGetter interface {
	Get(id string) (*model.Session, error)
}

// Verifier checks a bearer token and that its session has not been revoked.
type Verifier struct {
	Tokens   *Tokens
	Sessions SessionGetter
}

func (v *Verifier) Verify(token string) (AuthContext, error) {
	claims, err := v.Tokens.Parse(token)
	if err != nil {
		return AuthContext{}, err
	}
	sess, err := v.Sessions.Get(claims.ID)
	if err != nil {
		return AuthContext{}, errors.Annotate(err, "load session")
	}
	if sess == nil || sess.UserID != claims.Subject {
		return AuthContext{}, errors.Unauthorizedf("session revoked")
	}
	return AuthContext{UserID: sess.UserID, SessionID: sess.ID}, nil
}
