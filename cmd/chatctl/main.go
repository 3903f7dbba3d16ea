// Command chatctl manages pairchat users and issues tokens for them.
//
//	chatctl user add -username alice -full-name "Alice A" -password secret
//	chatctl user deactivate -username alice
//	chatctl token issue -username alice -password secret
//	chatctl chat deactivate -id 7
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Tyrowin/pairchat/internal/auth"
	"github.com/Tyrowin/pairchat/internal/chat"
	"github.com/Tyrowin/pairchat/internal/logger"
	"github.com/Tyrowin/pairchat/internal/store"
)

const usage = `usage:
  chatctl user add -username NAME [-full-name NAME] -password PASS
  chatctl user deactivate -username NAME
  chatctl token issue -username NAME -password PASS
  chatctl chat deactivate -id CHAT_ID`

var errUsage = errors.New(usage)

// cliConfig is the subset of server settings the tool needs. The JWT secret
// is only required for issuing tokens.
type cliConfig struct {
	DatabaseURL string        `envconfig:"DATABASE_URL" default:"pairchat.db"`
	JWTSecret   string        `envconfig:"JWT_SECRET"`
	TokenTTL    time.Duration `envconfig:"TOKEN_TTL" default:"3h"`
	LogMode     string        `envconfig:"LOG_MODE" default:"production"`
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (cliConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cliConfig{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg cliConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cliConfig{}, fmt.Errorf("process env: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errUsage
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	s, err := store.Open(cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Migrate(); err != nil {
		return err
	}

	switch args[0] + " " + args[1] {
	case "user add":
		return userAdd(ctx, s, args[2:], out)
	case "user deactivate":
		return userDeactivate(ctx, s, args[2:], out)
	case "token issue":
		return tokenIssue(ctx, s, cfg, args[2:], out)
	case "chat deactivate":
		return chatDeactivate(ctx, chat.NewResolver(s, log), args[2:], out)
	default:
		return errUsage
	}
}

func userAdd(ctx context.Context, s *store.Store, args []string, out io.Writer) error {
	fset := flag.NewFlagSet("user add", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	username := fset.String("username", "", "unique username")
	fullName := fset.String("full-name", "", "display name")
	password := fset.String("password", "", "login password")
	if err := fset.Parse(args); err != nil {
		return fmt.Errorf("user add: %w", err)
	}
	if *password == "" {
		return errors.New("user add: -password is required")
	}

	u, err := s.CreateUser(ctx, *username, *fullName)
	if err != nil {
		return err
	}
	if err := auth.SetPassword(ctx, s, u.ID, *password); err != nil {
		return err
	}
	fmt.Fprintf(out, "created user %s (id %d)\n", u.Username, u.ID)
	return nil
}

func userDeactivate(ctx context.Context, s *store.Store, args []string, out io.Writer) error {
	fset := flag.NewFlagSet("user deactivate", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	username := fset.String("username", "", "username to deactivate")
	if err := fset.Parse(args); err != nil {
		return fmt.Errorf("user deactivate: %w", err)
	}

	u, err := s.UserByUsername(ctx, *username)
	if err != nil {
		return err
	}
	if err := s.SetActive(ctx, u.ID, false); err != nil {
		return err
	}
	fmt.Fprintf(out, "deactivated user %s\n", u.Username)
	return nil
}

func tokenIssue(ctx context.Context, s *store.Store, cfg cliConfig, args []string, out io.Writer) error {
	if cfg.JWTSecret == "" {
		return errors.New("token issue: JWT_SECRET must be set")
	}
	fset := flag.NewFlagSet("token issue", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	username := fset.String("username", "", "username")
	password := fset.String("password", "", "password")
	if err := fset.Parse(args); err != nil {
		return fmt.Errorf("token issue: %w", err)
	}

	identity, err := auth.Login(ctx, s, *username, *password)
	if err != nil {
		return err
	}
	token, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL).Issue(identity)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func chatDeactivate(ctx context.Context, resolver *chat.Resolver, args []string, out io.Writer) error {
	fset := flag.NewFlagSet("chat deactivate", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	id := fset.Int64("id", 0, "chat id")
	if err := fset.Parse(args); err != nil {
		return fmt.Errorf("chat deactivate: %w", err)
	}
	if *id <= 0 {
		return errors.New("chat deactivate: -id must be a positive chat id")
	}

	if err := resolver.Deactivate(ctx, *id); err != nil {
		return err
	}
	fmt.Fprintf(out, "deactivated chat %d\n", *id)
	return nil
}
