package activitypub

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// signedHeaders is the header list every outgoing request is signed over,
// and the minimum an incoming signature has to cover.
var signedHeaders = []string{"(request-target)", "host", "date", "digest"}

// DefaultMaxSkew is how far a request Date may drift from local time.
const DefaultMaxSkew = 5 * time.Minute

// PublicKeyResolver returns the public key identified by keyId.
type PublicKeyResolver func(ctx context.Context, keyId string) (*rsa.PublicKey, error)

// SignatureCodec signs outgoing requests and verifies incoming ones with
// draft-cavage HTTP signatures over (request-target), host, date and digest.
type SignatureCodec struct {
	maxSkew time.Duration
	now     func() time.Time
}

func NewSignatureCodec() *SignatureCodec {
	return &SignatureCodec{maxSkew: DefaultMaxSkew, now: time.Now}
}

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// Sign sets Date and Host if absent, computes the Digest of body and adds
// the Signature header. keyId format: "https://example.com/users/alice#main-key"
func (c *SignatureCodec) Sign(req *http.Request, body []byte, privateKey *rsa.PrivateKey, keyId string) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", c.now().UTC().Format(http.TimeFormat))
	}
	if req.Host == "" {
		req.Host = req.URL.Host
	}
	req.Header.Set("Host", req.Host)
	// the signer refuses to overwrite an existing digest
	req.Header.Del("Digest")
	if body == nil {
		body = []byte{}
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	if err := signer.SignRequest(privateKey, keyId, req, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// Verify checks the Date window, the body digest and the signature of an
// incoming request. It returns the keyId that signed the request and
// whether verification succeeded. Malformed input is a failed verification,
// never an error.
func (c *SignatureCodec) Verify(ctx context.Context, req *http.Request, body []byte, resolve PublicKeyResolver) (string, bool) {
	sigHeader := req.Header.Get("Signature")
	digestHeader := req.Header.Get("Digest")
	dateHeader := req.Header.Get("Date")
	if sigHeader == "" || digestHeader == "" || dateHeader == "" {
		return "", false
	}

	date, err := http.ParseTime(dateHeader)
	if err != nil {
		return "", false
	}
	skew := c.now().Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew > c.maxSkew {
		return "", false
	}

	if !digestMatches(digestHeader, body) {
		return "", false
	}

	params := parseSignatureParams(sigHeader)
	if !coversHeaders(params["headers"], signedHeaders) {
		return "", false
	}

	// net/http moves Host out of the header map on the server side
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.Host)
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", false
	}
	keyId := verifier.KeyId()
	if keyId == "" {
		return "", false
	}
	publicKey, err := resolve(ctx, keyId)
	if err != nil || publicKey == nil {
		return keyId, false
	}
	if err := verifier.Verify(publicKey, httpsig.RSA_SHA256); err != nil {
		return keyId, false
	}
	return keyId, true
}

// digestMatches compares the SHA-256 entry of a Digest header with body.
// The header may list several algorithms.
func digestMatches(header string, body []byte) bool {
	want := Digest(body)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		algo, value, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		got := "SHA-256=" + value
		return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
	}
	return false
}

// parseSignatureParams splits a Signature header into its key="value" pairs.
func parseSignatureParams(header string) map[string]string {
	params := make(map[string]string)
	for _, part := range splitParams(header) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(key))] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return params
}

// splitParams splits on commas outside of quotes.
func splitParams(s string) []string {
	var (
		parts   []string
		inQuote bool
		start   int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func coversHeaders(signed string, required []string) bool {
	if signed == "" {
		// draft-cavage defaults to date only
		return false
	}
	have := make(map[string]bool)
	for _, h := range strings.Fields(strings.ToLower(signed)) {
		have[h] = true
	}
	for _, h := range required {
		if !have[h] {
			return false
		}
	}
	return true
}


// ParsePrivateKey converts a PKCS#1 or PKCS#8 PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKey converts a PKIX or PKCS#1 PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if key, pkcs1Err := x509.ParsePKCS1PublicKey(block.Bytes); pkcs1Err == nil {
			return key, nil
		}
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
