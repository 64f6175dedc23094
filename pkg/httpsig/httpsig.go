// Package httpsig builds and verifies HTTP message signatures over
// canonicalized pseudo-headers, using the sender actor's key pair.
package httpsig

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Canonical signed-header sets. Digest is only covered on requests that
// carry a body.
var (
	signedHeadersGet  = []string{"(request-target)", "host", "date"}
	signedHeadersPost = []string{"(request-target)", "host", "date", "digest"}
)

// signingString builds the canonical string over the declared headers.
// The (request-target) pseudo-header is derived from the method and path;
// everything else is read from the header map.
func signingString(headerNames []string, headers http.Header, method, requestPath string) (string, bool) {
	lines := make([]string, 0, len(headerNames))
	for _, name := range headerNames {
		if name == "(request-target)" {
			lines = append(lines, fmt.Sprintf("(request-target): %s %s", strings.ToLower(method), requestPath))
			continue
		}
		value := headerAnyCase(headers, name)
		if value == "" {
			return "", false
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, value))
	}
	return strings.Join(lines, "\n"), true
}

// Digest computes the SHA-256 digest header value for a request body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyDigest checks a Digest header against the actual body bytes.
func VerifyDigest(body []byte, digestHeader string) bool {
	return digestHeader == Digest(body)
}

// Verify checks the request signature against the given public key PEM.
// It returns false, never an error, on any malformed input: a missing
// signature header, an unparseable key, an unknown algorithm, or a
// canonical string that cannot be assembled all fail closed.
func Verify(headers http.Header, requestPath, method, publicKeyPem string, digestRequired bool) bool {
	params, ok := ParseSignatureHeader(headers)
	if !ok {
		return false
	}

	// The signature must cover at least host, date and the request line;
	// digest too when the caller demands one.
	if !coversRequired(params.Headers, digestRequired) {
		return false
	}

	message, ok := signingString(params.Headers, headers, method, requestPath)
	if !ok {
		return false
	}

	pub, err := parsePublicKey(publicKeyPem)
	if err != nil {
		return false
	}

	return verifyBytes(pub, params.Algorithm, []byte(message), params.Signature)
}

func coversRequired(signed []string, digestRequired bool) bool {
	required := []string{"(request-target)", "host", "date"}
	if digestRequired {
		required = append(required, "digest")
	}
	for _, name := range required {
		if !contains(signed, name) {
			return false
		}
	}
	return true
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func verifyBytes(pub crypto.PublicKey, algorithm string, message, sig []byte) bool {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		switch strings.ToLower(algorithm) {
		case "", "hs2019", "rsa-sha256":
			hashed := sha256.Sum256(message)
			return rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], sig) == nil
		}
	case ed25519.PublicKey:
		switch strings.ToLower(algorithm) {
		case "", "hs2019", "ed25519":
			return ed25519.Verify(key, message, sig)
		}
	}
	return false
}

func parsePublicKey(pemData string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key")
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	return nil, fmt.Errorf("unsupported public key encoding")
}

// Signer produces Signature headers for outbound requests using a local
// actor's private key.
type Signer struct {
	keyID string
	key   crypto.Signer
}

// NewSigner creates a signer for the given keyId (actor URL plus fragment)
// and private key. RSA and ed25519 keys are supported.
func NewSigner(keyID string, key crypto.Signer) *Signer {
	return &Signer{keyID: keyID, key: key}
}

// Sign canonicalizes and signs req, setting the Date, Host, Digest (when
// body is non-nil) and Signature headers in place.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	headerNames := signedHeadersGet
	if body != nil {
		req.Header.Set("Digest", Digest(body))
		headerNames = signedHeadersPost
	}

	message, ok := signingString(headerNames, req.Header, req.Method, req.URL.RequestURI())
	if !ok {
		return fmt.Errorf("failed to build signing string for %s", req.URL)
	}

	sig, algorithm, err := s.signBytes([]byte(message))
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set("Signature", fmt.Sprintf(
		`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		s.keyID, algorithm, strings.Join(headerNames, " "),
		base64.StdEncoding.EncodeToString(sig)))

	return nil
}

func (s *Signer) signBytes(message []byte) ([]byte, string, error) {
	switch key := s.key.(type) {
	case *rsa.PrivateKey:
		hashed := sha256.Sum256(message)
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
		return sig, "rsa-sha256", err
	case ed25519.PrivateKey:
		return ed25519.Sign(key, message), "ed25519", nil
	default:
		return nil, "", fmt.Errorf("unsupported private key type %T", s.key)
	}
}

// PublicKeyPEM encodes a public key as PKIX PEM, the representation actor
// documents publish.
func PublicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
