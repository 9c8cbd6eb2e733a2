// Seeds user projection records straight into the sqlite database for local
// development. In production the identity provider pushes these records; a
// dev setup has no provider, so this fills the gap.
//
// Usage: seed_users -db relay.db alice bob smoke-sender smoke-receiver
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/relaychat/relay-server/internal/store"
	"github.com/relaychat/relay-server/internal/store/sqlite"
)

func main() {
	dbPath := flag.String("db", "relay.db", "path to the sqlite database")
	flag.Parse()

	ids := flag.Args()
	if len(ids) == 0 {
		log.Println("seed_users: no user IDs given")
		os.Exit(1)
	}

	st, err := sqlite.New(*dbPath)
	if err != nil {
		log.Printf("seed_users: open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	for _, id := range ids {
		if err := st.UpsertUser(ctx, &store.User{ID: id, Username: id}); err != nil {
			log.Printf("seed_users: upsert %s: %v", id, err)
			os.Exit(1)
		}
		fmt.Printf("seeded %s\n", id)
	}
}
