package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"genstudio/internal/infra"
	"genstudio/internal/infra/credentials"
)

var envKeys = map[string]string{
	credentials.ProviderKie:       "KIE_API_KEY",
	credentials.ProviderImgBB:     "IMGBB_API_KEY",
	credentials.ProviderTurnstile: "TURNSTILE_SECRET_KEY",
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "set":
		runSet(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: apikey set -provider kie|imgbb|turnstile [-key KEY]")
	fmt.Fprintln(os.Stderr, "       apikey list")
	os.Exit(2)
}

func runSet(args []string) {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	var (
		keyFlag      string
		providerFlag string
	)
	fs.StringVar(&keyFlag, "key", "", "API key for the selected provider (fallbacks to environment)")
	fs.StringVar(&providerFlag, "provider", credentials.ProviderKie, "provider to configure (kie, imgbb or turnstile)")
	_ = fs.Parse(args)

	provider := strings.TrimSpace(strings.ToLower(providerFlag))
	if !credentials.KnownProvider(provider) {
		exitWithError(fmt.Errorf("unsupported provider %q", providerFlag))
	}

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv(envKeys[provider]))
	}
	if key == "" {
		exitWithError(fmt.Errorf("%s API key is required via -key or %s", strings.ToUpper(provider), envKeys[provider]))
	}

	pool := connect()
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "apikey").Str("provider", provider).Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	props := map[string]any{"set_by": "apikey", "set_at": time.Now().UTC().Format(time.RFC3339)}
	if err := store.Set(ctx, provider, key, props); err != nil {
		exitWithError(fmt.Errorf("failed to persist %s api key: %w", provider, err))
	}

	fmt.Printf("%s API key stored successfully\n", strings.ToUpper(provider))
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	_ = fs.Parse(args)

	pool := connect()
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "apikey").Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	providers, err := store.Providers(ctx)
	if err != nil {
		exitWithError(fmt.Errorf("failed to list providers: %w", err))
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tUPDATED\tENV OVERRIDE")
	for _, p := range providers {
		override := "no"
		if strings.TrimSpace(os.Getenv(envKeys[p.Provider])) != "" {
			override = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Provider, p.UpdatedAt.UTC().Format(time.RFC3339), override)
	}
	_ = tw.Flush()
}

func connect() *pgxpool.Pool {
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(fmt.Errorf("DATABASE_URL is required"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to create pool: %w", err))
	}
	return pool
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
