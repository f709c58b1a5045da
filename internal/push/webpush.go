package push

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"golang.org/x/crypto/hkdf"
)

// VAPIDProvider implements Provider against the standard Web Push
// protocol (RFC 8030 delivery, RFC 8291 message encryption, RFC 8292
// VAPID application-server authentication) using only the
// teacher-grounded golang.org/x/crypto stack plus the standard
// library's crypto/ecdh and crypto/ecdsa.
type VAPIDProvider struct {
	privateKey *ecdsa.PrivateKey
	publicRaw  []byte // uncompressed EC point, base64url in subscription registration
	subject    string // mailto: or https: contact URI required by VAPID
	httpClient *http.Client
}

// NewVAPIDProvider parses a base64url-encoded P-256 private key (as
// produced by the standard web-push key-generation tooling) and
// returns a ready-to-use Provider.
func NewVAPIDProvider(privateKeyB64, publicKeyB64, subject string) (*VAPIDProvider, error) {
	privBytes, err := base64.RawURLEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode vapid private key: %w", err)
	}
	pubBytes, err := base64.RawURLEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode vapid public key: %w", err)
	}

	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, pubBytes)
	if x == nil {
		return nil, fmt.Errorf("invalid vapid public key point")
	}

	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         new(big.Int).SetBytes(privBytes),
	}

	return &VAPIDProvider{
		privateKey: priv,
		publicRaw:  pubBytes,
		subject:    subject,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Send POSTs an encrypted push message to sub.Endpoint, authenticated
// with a VAPID JWT signed by the application server's key pair.
func (p *VAPIDProvider) Send(ctx context.Context, sub Subscription, toast Toast) error {
	plaintext, err := json.Marshal(toast)
	if err != nil {
		return fmt.Errorf("marshal toast: %w", err)
	}

	clientPub, err := base64.RawURLEncoding.DecodeString(sub.P256dh)
	if err != nil {
		return fmt.Errorf("decode subscriber p256dh: %w", err)
	}
	authSecret, err := base64.RawURLEncoding.DecodeString(sub.Auth)
	if err != nil {
		return fmt.Errorf("decode subscriber auth secret: %w", err)
	}

	body, err := encryptAES128GCM(plaintext, clientPub, authSecret, p.publicRaw)
	if err != nil {
		return fmt.Errorf("encrypt push payload: %w", err)
	}

	jwt, err := p.signVAPIDJWT(sub.Endpoint)
	if err != nil {
		return fmt.Errorf("sign vapid jwt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("TTL", "60")
	req.Header.Set("Authorization", fmt.Sprintf("vapid t=%s, k=%s", jwt, base64.RawURLEncoding.EncodeToString(p.publicRaw)))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return ErrGone
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *VAPIDProvider) signVAPIDJWT(endpoint string) (string, error) {
	aud, err := audienceFromEndpoint(endpoint)
	if err != nil {
		return "", err
	}

	header := map[string]string{"typ": "JWT", "alg": "ES256"}
	claims := map[string]any{
		"aud": aud,
		"exp": time.Now().Add(12 * time.Hour).Unix(),
		"sub": p.subject,
	}

	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)
	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)

	digest := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, p.privateKey, digest[:])
	if err != nil {
		return "", err
	}

	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func audienceFromEndpoint(endpoint string) (string, error) {
	idx := schemeHostEnd(endpoint)
	if idx < 0 {
		return "", fmt.Errorf("malformed push endpoint: %s", endpoint)
	}
	return endpoint[:idx], nil
}

// schemeHostEnd finds the index just past "scheme://host[:port]" in a
// URL, i.e. the position of the first '/' after the double slash.
func schemeHostEnd(u string) int {
	schemeIdx := indexOf(u, "://")
	if schemeIdx < 0 {
		return -1
	}
	rest := u[schemeIdx+3:]
	slash := indexOf(rest, "/")
	if slash < 0 {
		return len(u)
	}
	return schemeIdx + 3 + slash
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// encryptAES128GCM implements the RFC 8291 Web Push message encryption
// scheme: an ephemeral ECDH key agreement with the subscriber's
// P-256 public key, HKDF-derived content-encryption key and nonce, and
// a single aes128gcm record containing the padded plaintext.
func encryptAES128GCM(plaintext, clientPub, authSecret, serverPubRaw []byte) ([]byte, error) {
	curve := ecdh.P256()

	serverPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	clientKey, err := curve.NewPublicKey(clientPub)
	if err != nil {
		return nil, fmt.Errorf("parse subscriber public key: %w", err)
	}

	sharedSecret, err := serverPriv.ECDH(clientKey)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	prkInfo := append(append([]byte("WebPush: info\x00"), clientPub...), serverPriv.PublicKey().Bytes()...)
	prk := hkdfExtractExpand(authSecret, sharedSecret, prkInfo, 32)

	cek := hkdfExtractExpand(salt, prk, []byte("Content-Encoding: aes128gcm\x00"), 16)
	nonce := hkdfExtractExpand(salt, prk, []byte("Content-Encoding: nonce\x00"), 12)

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// Single-record padding delimiter (0x02) then the plaintext.
	padded := append([]byte{0x02}, plaintext...)
	ciphertext := gcm.Seal(nil, nonce, padded, nil)

	// aes128gcm header: salt(16) || rs(4) || idlen(1) || keyid.
	serverPubBytes := serverPriv.PublicKey().Bytes()
	header := make([]byte, 16+4+1+len(serverPubBytes))
	copy(header[0:16], salt)
	binary.BigEndian.PutUint32(header[16:20], uint32(4096))
	header[20] = byte(len(serverPubBytes))
	copy(header[21:], serverPubBytes)

	return append(header, ciphertext...), nil
}

func hkdfExtractExpand(salt, ikm, info []byte, length int) []byte {
	reader := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	_, _ = io.ReadFull(reader, out)
	return out
}
