package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"genstudio/internal/credits"
	"genstudio/internal/infra"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var (
		userFlag   string
		amountFlag int
		limitFlag  int
	)
	fs.StringVar(&userFlag, "user", "", "Supabase user id (UUID)")
	fs.IntVar(&amountFlag, "amount", 0, "credits to grant")
	fs.IntVar(&limitFlag, "limit", 20, "number of ledger events to show")
	_ = fs.Parse(args)

	userID := strings.TrimSpace(userFlag)
	if cmd != "migrate" && userID == "" {
		exitWithError(errors.New("-user is required"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "credits").Str("op", cmd).Logger()
	ledger := credits.NewLedger(infra.NewSQLRunner(pool, logger))

	switch cmd {
	case "migrate":
		if err := ledger.Migrate(ctx); err != nil {
			exitWithError(fmt.Errorf("failed to create credit tables: %w", err))
		}
		fmt.Println("credit tables ready")
	case "grant":
		if amountFlag <= 0 {
			exitWithError(errors.New("-amount must be positive"))
		}
		balance, err := ledger.Grant(ctx, userID, amountFlag)
		if err != nil {
			exitWithError(fmt.Errorf("failed to grant credits: %w", err))
		}
		fmt.Printf("User %s granted %d credits, balance=%d\n", userID, amountFlag, balance)
	case "balance":
		balance, err := ledger.Balance(ctx, userID)
		if err != nil {
			exitWithError(fmt.Errorf("failed to read balance: %w", err))
		}
		fmt.Printf("credits=%d\n", balance)
	case "events":
		evs, err := ledger.Events(ctx, userID, limitFlag)
		if err != nil {
			exitWithError(fmt.Errorf("failed to list events: %w", err))
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WHEN\tKIND\tAMOUNT\tTASK")
		for _, ev := range evs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", ev.CreatedAt.UTC().Format(time.RFC3339), ev.Kind, ev.Amount, ev.TaskID)
		}
		_ = tw.Flush()
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: credits migrate | grant -user ID -amount N | balance -user ID | events -user ID [-limit N]")
	os.Exit(2)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
