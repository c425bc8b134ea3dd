// Command ledger-auth is the operator tool for the ledger credential: it
// prints the authorize URL, exchanges an authorization code for a refresh
// token, checks the credential, and posts purchase credit notes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/Lllllllleong/invoiceingest/internal/config"
	"github.com/Lllllllleong/invoiceingest/internal/gcp"
	"github.com/Lllllllleong/invoiceingest/internal/ledger"
	"github.com/Lllllllleong/invoiceingest/internal/ledger/token"
	"github.com/Lllllllleong/invoiceingest/internal/models"
	"github.com/Lllllllleong/invoiceingest/internal/services"
)

const usage = `usage: ledger-auth <command> [flags]

commands:
  auth-url                 print the URL to authorize the ledger app
  exchange -code CODE      exchange an authorization code and store the refresh token
  test-refresh             force one token refresh and report the credential state
  find-invoice -ref REF    look up a purchase invoice by supplier reference
  credit-note [flags]      post a purchase credit note (see ledger-auth credit-note -h)
`

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "ledger-auth:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(strings.TrimSpace(usage))
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := services.NewLogger(cfg.LogLevel)

	var store token.Store = token.NewMemoryStore()
	if cfg.Firestore.Enabled {
		fs, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID, cfg.Firestore.Database)
		if err != nil {
			return err
		}
		defer fs.Close()
		store = token.NewFirestoreStore(fs, cfg.Firestore.TokenCollection, "sage")
	}
	tokens, client := services.NewLedger(cfg, store, logger)

	switch cmd, rest := args[0], args[1:]; cmd {
	case "auth-url":
		fmt.Fprintln(out, tokens.AuthCodeURL(uuid.NewString()))
		return nil

	case "exchange":
		flags := flag.NewFlagSet("exchange", flag.ContinueOnError)
		code := flags.String("code", "", "authorization code from the redirect")
		if err := flags.Parse(rest); err != nil {
			return err
		}
		refresh, err := tokens.Exchange(ctx, strings.TrimSpace(*code))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Refresh token stored. Set SAGE_REFRESH_TOKEN if the durable store is disabled:")
		fmt.Fprintln(out, refresh)
		return nil

	case "test-refresh":
		current, err := tokens.AccessToken(ctx)
		if err == nil {
			_, err = tokens.ForceRefresh(ctx, current)
		}
		fmt.Fprintln(out, "token state:", tokens.State(ctx))
		return err

	case "find-invoice":
		flags := flag.NewFlagSet("find-invoice", flag.ContinueOnError)
		ref := flags.String("ref", "", "supplier reference")
		if err := flags.Parse(rest); err != nil {
			return err
		}
		id, found, err := client.FindPurchaseInvoice(ctx, strings.TrimSpace(*ref))
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(out, "not found")
			return nil
		}
		fmt.Fprintln(out, id)
		return nil

	case "credit-note":
		note, err := parseCreditNote(rest)
		if err != nil {
			return err
		}
		res, err := client.PostCreditNote(ctx, note)
		if err != nil {
			return fmt.Errorf("%s credit note failed: %w", ledger.KindOf(err), err)
		}
		fmt.Fprintf(out, "%s %s\n", res.Outcome, res.ID)
		return nil

	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func parseCreditNote(args []string) (ledger.CreditNote, error) {
	fs := flag.NewFlagSet("credit-note", flag.ContinueOnError)
	number := fs.String("number", "", "credit note number")
	date := fs.String("date", "", "credit note date (YYYY-MM-DD or DD/MM/YYYY)")
	amount := fs.Float64("amount", 0, "net amount")
	ledgerCode := fs.String("ledger", "5001", "ledger code")
	taxRate := fs.String("tax-rate", "", "tax rate id (defaults to the zero rate)")
	if err := fs.Parse(args); err != nil {
		return ledger.CreditNote{}, err
	}

	if strings.TrimSpace(*number) == "" {
		return ledger.CreditNote{}, errors.New("-number is required")
	}
	if *amount <= 0 {
		return ledger.CreditNote{}, errors.New("-amount must be positive")
	}
	d, err := models.ParseFlexibleDate(*date)
	if err != nil {
		return ledger.CreditNote{}, err
	}
	return ledger.CreditNote{
		Number:     strings.TrimSpace(*number),
		Date:       d,
		Amount:     *amount,
		LedgerCode: strings.TrimSpace(*ledgerCode),
		TaxRateID:  strings.TrimSpace(*taxRate),
	}, nil
}
