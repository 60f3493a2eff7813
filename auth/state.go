package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/mnehpets/rolerpc/middleware"
)

// stateMap is the sealed cookie payload: OAuth state parameter to flow.
type stateMap map[string]flowState

// flowState is an in-flight login, keyed by the state parameter sent to
// the provider.
type flowState struct {
	Params AuthParams `cbor:"1,keyasint,omitempty"`
	// Nonce is checked against the ID token on return.
	Nonce        string    `cbor:"2,keyasint,omitempty"`
	PKCEVerifier string    `cbor:"3,keyasint,omitempty"`
	ExpiresAt    time.Time `cbor:"4,keyasint,omitempty"`
}

const (
	// maxStates bounds concurrent logins per user agent.
	maxStates = 3
	stateTTL  = time.Hour
	// 256 bits.
	stateLength = 32
)

var (
	errStateNotFound = errors.New("auth: state not found")
	errStateExpired  = errors.New("auth: state expired")
)

// randomString returns a URL-safe random string, used for both the state
// parameter and the OIDC nonce.
func randomString() (string, error) {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// stateJar keeps in-flight logins in a sealed cookie.
type stateJar struct {
	cookie *middleware.SecureCookie
	now    func() time.Time
}

func (j *stateJar) load(r *http.Request) (stateMap, error) {
	c, err := r.Cookie(j.cookie.Name())
	if err != nil {
		return stateMap{}, err
	}
	states := stateMap{}
	if err := j.cookie.Decode(c, &states); err != nil {
		return stateMap{}, err
	}
	return states, nil
}

func (j *stateJar) save(w http.ResponseWriter, states stateMap) error {
	if len(states) == 0 {
		http.SetCookie(w, j.cookie.Clear())
		return nil
	}
	c, err := j.cookie.Encode(states, int(stateTTL.Seconds()))
	if err != nil {
		return err
	}
	http.SetCookie(w, c)
	return nil
}

// add stores fs under state, dropping expired flows and then the oldest
// one when the jar is full.
func (j *stateJar) add(w http.ResponseWriter, r *http.Request, state string, fs flowState) error {
	states, _ := j.load(r)
	now := j.now()
	for k, v := range states {
		if !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt) {
			delete(states, k)
		}
	}
	for len(states) >= maxStates {
		var oldest string
		for k, v := range states {
			if oldest == "" || v.ExpiresAt.Before(states[oldest].ExpiresAt) {
				oldest = k
			}
		}
		delete(states, oldest)
	}
	fs.ExpiresAt = now.Add(stateTTL)
	states[state] = fs
	return j.save(w, states)
}

// pop removes and returns the flow for state. A state is usable once.
func (j *stateJar) pop(w http.ResponseWriter, r *http.Request, state string) (flowState, error) {
	states, err := j.load(r)
	if err != nil {
		return flowState{}, err
	}
	fs, ok := states[state]
	if !ok {
		return flowState{}, errStateNotFound
	}
	delete(states, state)
	if err := j.save(w, states); err != nil {
		return flowState{}, err
	}
	if !fs.ExpiresAt.IsZero() && j.now().After(fs.ExpiresAt) {
		return flowState{}, errStateExpired
	}
	return fs, nil
}
