package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// pkceVerifierLength is the number of random bytes behind a PKCE verifier.
// 32 bytes encode to 43 characters with RawURLEncoding, the RFC 7636
// minimum.
const pkceVerifierLength = 32

// generatePKCE returns a fresh verifier and its challenge. The challenge
// method is always S256: base64url(sha256(verifier)) without padding.
func generatePKCE() (verifier, challenge string, err error) {
	b := make([]byte, pkceVerifierLength)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	s := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(s[:]), nil
}

// VerifiedEmail returns the email claim of an ID token when the provider
// marked it verified. It returns "" and false when the claim is missing,
// unverified or the claims cannot be decoded.
//
// The default IdentifyFunc prefers this address as the username.
func VerifiedEmail(token *oidc.IDToken) (string, bool) {
	if token == nil {
		return "", false
	}
	var claims oidc.UserInfo
	if err := token.Claims(&claims); err != nil || !claims.EmailVerified || claims.Email == "" {
		return "", false
	}
	return claims.Email, true
}

// StableID returns an identifier that survives email changes, built from
// the provider ID and the subject claim.
// Format: "provider:subject"
func StableID(token *oidc.IDToken, providerID string) string {
	if token == nil {
		return ""
	}
	return providerID + ":" + token.Subject
}

// LocalURL guards post-login and post-logout redirects against open
// redirects. It returns next when it is an absolute path on this origin and
// "/" otherwise. Rejected forms include:
//   - "" and relative paths ("home")
//   - scheme-relative URLs ("//evil.example")
//   - backslash tricks browsers treat as scheme-relative ("/\evil.example")
//   - absolute URLs ("https://evil.example/")
func LocalURL(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}
