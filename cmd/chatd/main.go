// chatd is the chat server: websocket relay, message store REST API and
// presence, behind one HTTP listener.
package main

import (
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Arghadeepdebnath15/chat-web/internal/api"
	"github.com/Arghadeepdebnath15/chat-web/internal/config"
	"github.com/Arghadeepdebnath15/chat-web/internal/relay"
	"github.com/Arghadeepdebnath15/chat-web/internal/store"
)

// reloadableAuth lets the config watcher swap the token table under live
// traffic.
type reloadableAuth struct {
	mu     sync.RWMutex
	tokens api.TokenAuth
}

func (a *reloadableAuth) Authenticate(r *http.Request) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tokens.Authenticate(r)
}

func (a *reloadableAuth) swap(tokens map[string]string) {
	a.mu.Lock()
	a.tokens = api.TokenAuth(tokens)
	a.mu.Unlock()
}

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	writeConfig := flag.Bool("write-config", false, "write the effective config back and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CONFIG: %v", err)
	}
	if *writeConfig {
		if err := cfg.Save(*configPath); err != nil {
			log.Fatalf("CONFIG: save: %v", err)
		}
		log.Printf("CONFIG: wrote %s", *configPath)
		return
	}

	db, err := store.Open(cfg.Store.Dir)
	if err != nil {
		log.Fatalf("STORE: %v", err)
	}
	defer db.Close()

	hub := relay.NewHub()
	defer hub.Close()

	auth := &reloadableAuth{tokens: api.TokenAuth(cfg.Auth.Tokens)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.ServeWS)
	api.New(db, hub, auth).Register(mux)

	// Token edits apply to new requests without a restart. Server bind
	// changes still need one.
	stopWatch, err := config.Watch(*configPath, func(next *config.Config) {
		auth.swap(next.Auth.Tokens)
	})
	if err != nil {
		log.Printf("CONFIG: watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	srv := &http.Server{Addr: cfg.Addr(), Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("SERVER: shutting down")
		srv.Close()
	}()

	log.Printf("SERVER: listening on %s", cfg.Addr())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("SERVER: %v", err)
	}
}
