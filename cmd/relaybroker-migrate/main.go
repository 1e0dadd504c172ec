// Command relaybroker-migrate applies the broker's schema to a PostgreSQL
// database, for deploys that run migrations as a separate step from the
// application (Broker.Open skips this when Config.DisableMigrations is set).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/relaybroker/broker/internal/store"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("RELAYBROKER_DSN"), "PostgreSQL connection string")
	timeout := flag.Duration("timeout", 30*time.Second, "migration timeout")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("relaybroker-migrate: -dsn (or RELAYBROKER_DSN) is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	st, err := store.Open(ctx, *dsn, 1)
	if err != nil {
		log.Fatalf("relaybroker-migrate: connect: %v", err)
	}
	defer st.Close()

	if err := store.EnsureSchema(ctx, st.Pool); err != nil {
		log.Fatalf("relaybroker-migrate: apply schema: %v", err)
	}
	log.Println("relaybroker-migrate: schema up to date")
}
