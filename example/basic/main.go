package main

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/mnehpets/rolerpc/dispatch"
	"github.com/mnehpets/rolerpc/httprpc"
	"github.com/mnehpets/rolerpc/roles"
	"github.com/mnehpets/rolerpc/rpcerr"
)

// Notes keeps notes in memory.
type Notes struct {
	mu    sync.Mutex
	notes map[string]string
}

type GetParams struct {
	Name string `json:"name"`
}

func (n *Notes) Get(_ context.Context, p GetParams) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	body, ok := n.notes[p.Name]
	if !ok {
		return "", rpcerr.Newf(rpcerr.CodeRecordDoesNotExist, "no note named %q.", p.Name)
	}
	return body, nil
}

type PutParams struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

func (n *Notes) Put(_ context.Context, p PutParams) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes[p.Name] = p.Body
	return true, nil
}

func main() {
	reg, err := dispatch.NewRegistry()
	if err != nil {
		log.Fatal(err)
	}
	notes := &Notes{notes: map[string]string{"hello": "Hello, World!"}}
	reg.Service("notes", true).
		Whitelist(rpcerr.CodeRecordDoesNotExist).
		Register(roles.Public, notes)

	h := httprpc.New(reg).Handler()
	http.Handle("/rpc", h)
	http.Handle("/rpc/{method}", h)

	// curl -d '{"name":"hello"}' localhost:8080/rpc/notes.get
	log.Println("Listening on :8080")
	if err := http.ListenAndServe(":8080", nil); err != nil {
		log.Fatal(err)
	}
}
