package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/cardz/internal/middleware"
	"github.com/matt-riley/cardz/internal/repository"
)

type apiKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (string, string, error)
	ListAPIKeys(ctx context.Context) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}

// runCommand executes one API key management subcommand.
func runCommand(ctx context.Context, store apiKeyStore, out io.Writer, args []string) error {
	switch args[0] {
	case "create-api-key":
		name := strings.Join(args[1:], " ")
		keyID, secret, err := store.CreateAPIKey(ctx, name)
		if err != nil {
			return err
		}
		// The bearer token is printed once and never stored in clear.
		_, err = fmt.Fprintln(out, middleware.FormatAPIKey(keyID, secret))
		return err
	case "list-api-keys":
		keys, err := store.ListAPIKeys(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCREATED")
		for _, key := range keys {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", key.ID, key.Name, key.CreatedAt.UTC().Format(time.RFC3339))
		}
		return tw.Flush()
	case "revoke-api-key":
		if len(args) != 2 || strings.TrimSpace(args[1]) == "" {
			return errors.New("usage: revoke-api-key <id>")
		}
		if err := store.RevokeAPIKey(ctx, args[1]); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("api key %q not found or already revoked", args[1])
			}
			return err
		}
		_, err := fmt.Fprintf(out, "revoked %s\n", args[1])
		return err
	default:
		return fmt.Errorf("unknown command %q (want create-api-key, list-api-keys or revoke-api-key)", args[0])
	}
}

// hashAPIKeyCommand prints the bcrypt hash of a static token for API_KEY_HASH.
func hashAPIKeyCommand(out io.Writer, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: hash-api-key <token>")
	}
	hash, err := middleware.HashSecret(args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
