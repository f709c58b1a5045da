// Package token implements the machine<->hub strong-token model, user
// password auth, and the QR pairing/login flow.
//
// Grounded on the teacher's internal/hub/auth (bcrypt password
// hashing, nanoid session tokens) generalized to a 256-bit random
// machine token, optionally namespace-suffixed as "token:ns" (spec.md
// §6, §2 item 10). Namespace-suffix parsing follows the slug
// validation idiom in the teacher's internal/hub/validate/slug.go.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("token: invalid credentials")
var ErrUnauthenticated = errors.New("token: not authenticated")

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Generate returns a cryptographically random 256-bit token encoded as
// base62, suitable for CLI_API_TOKEN / machine pairing tokens.
func Generate() (string, error) {
	const length = 43 // ~256 bits at ~6 bits/char
	buf := make([]byte, length)
	max := big.NewInt(int64(len(base62Alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("token: generate random: %w", err)
		}
		buf[i] = base62Alphabet[n.Int64()]
	}
	return string(buf), nil
}

var namespaceSlugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,31}$`)

// NormalizeNamespaceSuffix splits a token of the form "token:ns" into
// its base token and namespace, only when the text after the last ':'
// looks like a namespace slug (lowercase alphanumeric + hyphens, 1-32
// chars). A token with no such suffix, or one whose tail fails slug
// validation (e.g. it's a colon that's part of the token body itself),
// returns the whole string as the base token with an empty namespace.
func NormalizeNamespaceSuffix(raw string) (base, namespace string) {
	idx := strings.LastIndex(raw, ":")
	if idx < 0 || idx == len(raw)-1 {
		return raw, ""
	}
	candidate := raw[idx+1:]
	if !namespaceSlugPattern.MatchString(candidate) {
		return raw, ""
	}
	return raw[:idx], candidate
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("token: hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored bcrypt hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ConstantTimeEqual compares two tokens without leaking timing
// information about where they first differ.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type contextKey int

const identityKey contextKey = iota

// Identity is the authenticated caller, resolved from either a bearer
// CLI/machine token or an access token minted by IssueAccessToken.
type Identity struct {
	Namespace string
	UserID    string
	MachineID string
}

// WithIdentity attaches an Identity to ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext retrieves the Identity attached to ctx, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// FromHeader extracts a bearer token from an Authorization header
// value, returning "" if the header is absent or malformed.
func FromHeader(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimPrefix(authHeader, prefix)
	}
	return ""
}

// accessTokenTTL is how long a POST /api/auth-issued access token
// remains valid before a client must exchange its bearer again.
const accessTokenTTL = 24 * time.Hour

// IssueAccessToken mints the compact, HMAC-signed access token POST
// /api/auth and the QR login confirm step hand back, carrying
// {uid, ns} as spec.md §6 describes. This is deliberately not a
// standards-body JWT: spec.md scopes "bearer/JWT auth" itself out as
// plumbing whose contract (not implementation) is referenced, so a
// minimal signed-claim token satisfying that contract is enough —
// there's no case in this system where the token needs to cross a
// trust boundary with another JWT-speaking service.
func IssueAccessToken(signingKey []byte, namespace, userID string) (string, error) {
	expiresAt := time.Now().Add(accessTokenTTL).Unix()
	payload := strings.Join([]string{namespace, userID, strconv.FormatInt(expiresAt, 10)}, "|")
	sig := signPayload(signingKey, payload)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// ParseAccessToken verifies and decodes a token minted by
// IssueAccessToken, rejecting it if the signature doesn't match or it
// has expired.
func ParseAccessToken(signingKey []byte, tok string) (namespace, userID string, err error) {
	parts := strings.SplitN(tok, ".", 2)
	if len(parts) != 2 {
		return "", "", ErrInvalidCredentials
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", "", ErrInvalidCredentials
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", "", ErrInvalidCredentials
	}
	if !hmac.Equal(sig, signPayload(signingKey, string(payloadBytes))) {
		return "", "", ErrInvalidCredentials
	}

	fields := strings.Split(string(payloadBytes), "|")
	if len(fields) != 3 {
		return "", "", ErrInvalidCredentials
	}
	expiresAt, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return "", "", ErrInvalidCredentials
	}
	if time.Now().Unix() > expiresAt {
		return "", "", ErrUnauthenticated
	}
	return fields[0], fields[1], nil
}

func signPayload(key []byte, payload string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// qrTTL is how long an unconfirmed QR login session stays pollable
// before GET returns {status:"expired"}.
const qrTTL = 5 * time.Minute

// qrSession is one pending QR login handshake.
type qrSession struct {
	secret      string
	createdAt   time.Time
	confirmed   bool
	accessToken string
	consumed    bool
}

// QRLogin manages pending QR-pairing login sessions: POST /qr creates
// one, GET /qr/:id polls it, POST /qr/:id/confirm binds it to an
// authenticated caller's access token. A confirmed session's access
// token is returned exactly once; any poll after that returns expired.
type QRLogin struct {
	mu       sync.Mutex
	sessions map[string]*qrSession
	newID    func() (string, error)
}

// NewQRLogin returns an empty QRLogin store. newID mints session ids
// (the caller typically passes a nanoid generator).
func NewQRLogin(newID func() (string, error)) *QRLogin {
	return &QRLogin{sessions: make(map[string]*qrSession), newID: newID}
}

// Create starts a new QR login session and returns its id and
// one-time secret.
func (q *QRLogin) Create() (id, secret string, err error) {
	id, err = q.newID()
	if err != nil {
		return "", "", err
	}
	secret, err = Generate()
	if err != nil {
		return "", "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessions[id] = &qrSession{secret: secret, createdAt: time.Now()}
	return id, secret, nil
}

// QRStatus is the poll result shape.
type QRStatus struct {
	Status      string // pending, confirmed, expired
	AccessToken string
}

// Poll returns the current status of a QR session for the given
// secret, consuming the access token on its first confirmed read.
func (q *QRLogin) Poll(id, secret string, now time.Time) (QRStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sess, ok := q.sessions[id]
	if !ok || !ConstantTimeEqual(sess.secret, secret) {
		return QRStatus{}, fmt.Errorf("qr login: session not found")
	}
	if sess.consumed || now.Sub(sess.createdAt) > qrTTL {
		delete(q.sessions, id)
		return QRStatus{Status: "expired"}, nil
	}
	if !sess.confirmed {
		return QRStatus{Status: "pending"}, nil
	}

	sess.consumed = true
	return QRStatus{Status: "confirmed", AccessToken: sess.accessToken}, nil
}

// Confirm binds accessToken to the QR session, to be delivered on the
// next poll. The caller must already have authenticated the confirming
// request before calling this.
func (q *QRLogin) Confirm(id, secret, accessToken string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	sess, ok := q.sessions[id]
	if !ok || !ConstantTimeEqual(sess.secret, secret) {
		return fmt.Errorf("qr login: session not found")
	}
	if now.Sub(sess.createdAt) > qrTTL {
		delete(q.sessions, id)
		return fmt.Errorf("qr login: session expired")
	}
	sess.confirmed = true
	sess.accessToken = accessToken
	return nil
}

// sweepExpired removes sessions older than qrTTL. Nothing in the hub
// calls it; an expired session is otherwise dropped only when Poll or
// Confirm looks it up.
func (q *QRLogin) sweepExpired(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, sess := range q.sessions {
		if now.Sub(sess.createdAt) > qrTTL {
			delete(q.sessions, id)
		}
	}
}
