// Command relaybroker-admin serves a small read-only operational HTTP
// surface over a broker: health, topic listing, and per-topic message/
// schedule inspection. The library itself stays transport-agnostic; this
// binary is the only place chi is mounted (§4.12).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaybroker/broker"
	"github.com/relaybroker/broker/configfeed"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("RELAYBROKER_DSN"), "PostgreSQL connection string")
	addr := flag.String("addr", ":8080", "listen address")
	configPath := flag.String("config", os.Getenv("RELAYBROKER_CONFIG"), "optional TOML/YAML config file; when set, background-loop intervals hot-reload on edit (§4.10)")
	flag.Parse()

	cfg := broker.Config{DSN: *dsn}
	if *configPath != "" {
		if err := configfeed.Load(*configPath, &cfg); err != nil {
			log.Fatalf("relaybroker-admin: load config: %v", err)
		}
		if *dsn != "" {
			cfg.DSN = *dsn
		}
	}
	if cfg.DSN == "" {
		log.Fatal("relaybroker-admin: -dsn (or RELAYBROKER_DSN, or dsn in -config) is required")
	}

	ctx := context.Background()
	b, err := broker.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("relaybroker-admin: open broker: %v", err)
	}
	defer b.Close(ctx)

	if *configPath != "" {
		stop := make(chan struct{})
		defer close(stop)
		err := configfeed.Watch(*configPath, &cfg,
			func() {
				b.Reconfigure(cfg)
				log.Printf("relaybroker-admin: reloaded %s", *configPath)
			},
			func(err error) {
				log.Printf("relaybroker-admin: reload %s failed: %v", *configPath, err)
			},
			stop,
		)
		if err != nil {
			log.Fatalf("relaybroker-admin: watch config: %v", err)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", healthHandler(b))
	r.Get("/topics", topicsHandler(b))
	r.Get("/topics/{name}/messages", topicMessagesHandler(b))
	r.Get("/topics/{name}/scheduled", topicScheduledHandler(b))

	log.Printf("relaybroker-admin: listening on %s", *addr)
	if err := http.ListenAndServe(*addr, r); err != nil {
		log.Fatalf("relaybroker-admin: serve: %v", err)
	}
}

func healthHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := b.Health(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	}
}

func topicsHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topics, err := b.ListTopics(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(topics)
	}
}

func topicMessagesHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		t, err := b.Topic(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msgs, err := t.GetMessages(r.Context(), 100)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(msgs)
	}
}

func topicScheduledHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		t, err := b.Topic(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		scheds, err := t.GetScheduledMessages(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(scheds)
	}
}
