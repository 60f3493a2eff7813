package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"html"
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/mnehpets/rolerpc/access"
	"github.com/mnehpets/rolerpc/auth"
	"github.com/mnehpets/rolerpc/dispatch"
	"github.com/mnehpets/rolerpc/endpoint"
	"github.com/mnehpets/rolerpc/httprpc"
	"github.com/mnehpets/rolerpc/middleware"
	"github.com/mnehpets/rolerpc/roles"
)

const home = `<!DOCTYPE html>
<html>
<head><title>Auth Example</title></head>
<body>
	<h1>Auth Example</h1>
	%s
</body>
</html>
`

// HomeEndpoint shows the login status.
func HomeEndpoint(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	body := `<p>You are not logged in.</p><a href="/auth/login/google?next_url=/">Login with Google</a>`
	if sess, ok := middleware.SessionFromContext(r.Context()); ok {
		if username, loggedIn := sess.Username(); loggedIn {
			body = fmt.Sprintf(`<p>Welcome, %s!</p>
	<form action="/auth/logout?next_url=/" method="post"><button type="submit">Logout</button></form>`, html.EscapeString(username))
		}
	}
	return &endpoint.StringRenderer{Body: fmt.Sprintf(home, body), ContentType: "text/html; charset=utf-8"}, nil
}

type greeter struct{}

func (greeter) Hello(_ context.Context, cc *dispatch.Context, _ struct{}) (string, error) {
	name, _ := cc.Attrs[auth.FieldUsername].(string)
	return "hello " + name, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	clientID := os.Getenv("OAUTH_CLIENT_ID")
	clientSecret := os.Getenv("OAUTH_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		log.Fatal("OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET must be set")
	}

	// A random key logs everyone out on restart.
	key := make([]byte, middleware.KeySize)
	if _, err := rand.Read(key); err != nil {
		log.Fatal(err)
	}
	keys := map[string][]byte{"key1": key}

	// Plain http on localhost.
	insecure := middleware.WithSecure(false)
	sessions, err := middleware.NewSessionProcessor("key1", keys, middleware.WithCookieOptions(insecure))
	if err != nil {
		log.Fatal(err)
	}

	manager := access.NewManager(nil)
	reg, err := dispatch.NewRegistry(dispatch.WithAuthority(manager))
	if err != nil {
		log.Fatal(err)
	}
	reg.Service("greeter", true).Register(roles.User, greeter{})

	providers := auth.NewProviders()
	err = providers.AddOIDC(context.Background(), "google", "https://accounts.google.com",
		clientID, clientSecret, []string{"profile", "email"})
	if err != nil {
		log.Fatalf("Failed to register OIDC provider: %v", err)
	}

	// Every verified login gets the user role.
	authHandler, err := auth.NewHandler(providers, "key1", keys, "http://localhost:8080", "/auth",
		auth.WithStateCookie(auth.DefaultCookieName, insecure),
		auth.WithIssuer(auth.NewIssuer(manager)),
		auth.WithProcessors(sessions),
	)
	if err != nil {
		log.Fatalf("Failed to create auth handler: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/auth/", authHandler)
	mux.Handle("/rpc/{method}", httprpc.New(reg).Handler(sessions))
	mux.Handle("/{$}", endpoint.HandleFunc(HomeEndpoint, sessions))

	// After logging in: curl -b <cookies> -d '{}' localhost:8080/rpc/greeter.hello
	log.Println("Listening on :8080")
	if err := http.ListenAndServe(":8080", mux); err != nil {
		log.Fatal(err)
	}
}
