// Package main is the printomat admin tool: it manages friendship tokens,
// shows job history and hashes printer tokens.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/adcondev/printomat/internal/audit"
	"github.com/adcondev/printomat/internal/auth"
	"github.com/adcondev/printomat/internal/queue"
	"github.com/adcondev/printomat/internal/tokens"
)

const usage = `usage: printomat-admin <command> [flags]

commands:
  tokens list                       list friendship tokens
  tokens add -name N [-message M]   create a token for N
  tokens remove -name N             delete the token of N
  history [-status S] [-n N]        show recent jobs
  hash-token <token>                print a base64 bcrypt hash for printer.auth_token_hash
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "tokens":
		return runTokens(args[1:], out)
	case "history":
		return runHistory(args[1:], out)
	case "hash-token":
		if len(args) != 2 {
			return fmt.Errorf("%w: hash-token takes one argument", errUsage)
		}
		hash, err := auth.HashToken(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, hash)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func runTokens(args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: tokens needs list, add or remove", errUsage)
	}

	fs := flag.NewFlagSet("tokens "+args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	file := fs.String("file", "tokens.yaml", "friendship token file")
	name := fs.String("name", "", "token owner")
	message := fs.String("message", "", "thank-you message shown on submit")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	switch args[0] {
	case "list":
		toks, err := tokens.Load(*file)
		if err != nil {
			return err
		}
		if len(toks) == 0 {
			fmt.Fprintln(out, "no friendship tokens")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tLABEL\tTOKEN\tMESSAGE")
		for _, t := range toks {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, t.Label, t.Token, t.Message)
		}
		return tw.Flush()

	case "add":
		if *name == "" {
			return fmt.Errorf("%w: -name is required", errUsage)
		}
		tok, err := tokens.Add(*file, *name, *message)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "added %s (%s): %s\n", tok.Name, tok.Label, tok.Token)
		return nil

	case "remove":
		if *name == "" {
			return fmt.Errorf("%w: -name is required", errUsage)
		}
		tok, err := tokens.Remove(*file, *name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %s (%s)\n", tok.Name, tok.Label)
		return nil

	default:
		return fmt.Errorf("%w: unknown tokens command %q", errUsage, args[0])
	}
}

func runHistory(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	db := fs.String("db", "printomat.db", "history database")
	status := fs.String("status", "", "only jobs in this status (pending, in_flight, done, failed)")
	limit := fs.Int("n", 20, "number of jobs")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	st := queue.Status(*status)
	switch st {
	case "", queue.StatusPending, queue.StatusInFlight, queue.StatusDone, queue.StatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", errUsage, *status)
	}

	if _, err := os.Stat(*db); err != nil {
		return fmt.Errorf("history database: %w", err)
	}
	store, err := audit.OpenSQLite(*db)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	jobs, err := store.History(context.Background(), st, *limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "no jobs")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tATTEMPTS\tSOURCE\tUPDATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			j.ID, j.Kind, j.Status, j.AttemptCount, j.SourceIP, j.UpdatedAt.Local().Format(time.DateTime), j.LastError)
	}
	return tw.Flush()
}
