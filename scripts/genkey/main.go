// genkey registers an agent and prints its API key.
//
// Usage (run from the repo root):
//
//	DATABASE_URL=postgres://... go run scripts/genkey/main.go <agent-name>
//
// There is no self-service registration endpoint; operators provision
// agents with this tool. The plaintext key is printed exactly once:
// the server stores only the Argon2id hash and the routing prefix, so a
// lost key means re-provisioning.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/commontrace/commontrace/internal/auth"
	"github.com/commontrace/commontrace/internal/model"
	"github.com/commontrace/commontrace/internal/storage"
)

func main() {
	if len(os.Args) != 2 || os.Args[1] == "" {
		fmt.Fprintf(os.Stderr, "usage: %s <agent-name>\n", os.Args[0])
		os.Exit(2)
	}
	agentName := os.Args[1]

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "error: DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := storage.New(ctx, dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connect: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	key, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}

	user, err := db.CreateUser(ctx, model.User{
		AgentName:  agentName,
		KeyPrefix:  key.Prefix,
		APIKeyHash: key.Hash,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateUser) {
			fmt.Fprintf(os.Stderr, "error: agent %q is already registered\n", agentName)
		} else {
			fmt.Fprintf(os.Stderr, "error: create user: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Printf("agent:   %s\n", user.AgentName)
	fmt.Printf("user id: %s\n", user.ID)
	fmt.Printf("api key: %s\n", key.Plaintext)
	fmt.Println()
	fmt.Println("Store the key now; it cannot be recovered.")
}
