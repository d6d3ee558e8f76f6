// admin is the operator tool for the battle server: it removes users, ends
// sessions and inspects conversation history directly in the database.
// With --redis-addr, connected users on any node are notified.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"roastarena/backend/internal/chathub"
	"roastarena/backend/internal/config"
	"roastarena/backend/internal/history"
	"roastarena/backend/internal/logging"
	"roastarena/backend/internal/storage"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

const usage = `Usage: admin [flags] <command> [args]

Commands:
  delete-user <user_id>              remove from the queue and end the live session
  end-session <session_id>           end a session and notify both participants
  partners <user_id>                 list past opponents, most recent first
  conversation <user_id> <partner>   print the messages of one pair

Flags:
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string, out io.Writer) error {
	cfg := config.Load()

	flags := pflag.NewFlagSet("admin", pflag.ContinueOnError)
	dsn := flags.String("dsn", cfg.DatabaseDSN, "database DSN (sqlite:<path> for SQLite)")
	redisAddr := flags.String("redis-addr", cfg.RedisAddr, "redis address used to notify connected users")
	limit := flags.Int("limit", 50, "maximum partners to list")
	timeout := flags.Duration("timeout", 30*time.Second, "overall command timeout")
	flags.BoolP("help", "h", false, "show help")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}

	if err := flags.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flags.GetBool("help"); help || flags.NArg() == 0 {
		flags.Usage()
		return nil
	}
	logging.Init(cfg.Env)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := storage.Open(*dsn)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	s := storage.NewStorageService(db, cfg.PairingMaxAttempts)
	defer s.Close()

	hub := chathub.NewManagerService(s, storage.ParseQueueOrder(cfg.QueueOrder))
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		hub.Bus = chathub.NewBus(rdb, "admin")
	}

	a := &admin{hub: hub, history: history.NewIndexer(s), out: out}
	args := flags.Args()
	switch cmd := args[0]; cmd {
	case "delete-user":
		if len(args) != 2 {
			return errors.New("usage: admin delete-user <user_id>")
		}
		return a.deleteUser(ctx, args[1])
	case "end-session":
		if len(args) != 2 {
			return errors.New("usage: admin end-session <session_id>")
		}
		return a.endSession(ctx, args[1])
	case "partners":
		if len(args) != 2 {
			return errors.New("usage: admin partners <user_id>")
		}
		return a.partners(ctx, args[1], *limit)
	case "conversation":
		if len(args) != 3 {
			return errors.New("usage: admin conversation <user_id> <partner_id>")
		}
		return a.conversation(ctx, args[1], args[2])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type admin struct {
	hub     *chathub.ManagerService
	history *history.Indexer
	out     io.Writer
}

func (a *admin) deleteUser(ctx context.Context, userID string) error {
	if _, err := a.hub.Matcher.RemoveWaiting(ctx, userID); err != nil {
		return err
	}
	sid, err := a.hub.Storage.GetActiveSession(ctx, userID)
	if err != nil {
		return err
	}
	if sid != "" {
		if _, err := a.hub.Registry.EndSession(ctx, sid, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	fmt.Fprintf(a.out, "user %s removed\n", userID)
	return nil
}

func (a *admin) endSession(ctx context.Context, sessionID string) error {
	session, err := a.hub.Registry.EndSession(ctx, sessionID, "")
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "session %s ended at %s\n", session.SessionID, session.EndedAt.Format(time.RFC3339))
	return nil
}

func (a *admin) partners(ctx context.Context, userID string, limit int) error {
	partners, err := a.history.ListConversationPartners(ctx, userID, limit)
	if err != nil {
		return err
	}
	return a.print(partners)
}

func (a *admin) conversation(ctx context.Context, userID, partnerID string) error {
	msgs, err := a.history.LoadConversation(ctx, userID, partnerID)
	if err != nil {
		return err
	}
	return a.print(msgs)
}

func (a *admin) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
