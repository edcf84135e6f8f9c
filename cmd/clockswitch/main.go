package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"clockswitch/internal/app"
	"clockswitch/internal/program/switchprog"
	"clockswitch/internal/rpc"
	"clockswitch/pkg/pubkey"
)

const usage = `usage: clockswitch <command> [flags]

commands:
  serve     run the ledger, the automation runner and the rpc server
  init      register the switch and its thread (init [-thread id])
  toggle    flip the switch
  status    print the switch and the service snapshot
  thread    show a thread by id or address (thread <id|address>)
  airdrop   fund an account (airdrop <address> [lamports])
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "serve":
		err = serve(ctx, args)
	case "init", "toggle", "status", "thread", "airdrop":
		err = remote(ctx, cmd, args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		var apiErr *rpc.APIError
		if errors.As(err, &apiErr) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "./clockswitch.yaml", "path to config (yaml or json)")
	_ = fs.Parse(args)

	a, err := app.NewApp(*cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSIGINT
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}

func remote(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	addr := fs.String("rpc", envOr("CLOCKSWITCH_RPC", rpc.DefaultAddr), "rpc server address")
	token := fs.String("token", os.Getenv("CLOCKSWITCH_TOKEN"), "rpc bearer token")
	threadID := fs.String("thread", "", "thread id (init; default thread-test-<unix>)")
	_ = fs.Parse(args)
	rest := fs.Args()

	c := rpc.NewClient(*addr, *token)
	switch cmd {
	case "init":
		id := *threadID
		if id == "" {
			id = "thread-test-" + strconv.FormatInt(time.Now().Unix(), 10)
		}
		res, err := c.Initialize(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(res)
	case "toggle":
		res, err := c.Toggle(ctx)
		if err != nil {
			return err
		}
		return printJSON(res)
	case "status":
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		return printJSON(snap)
	case "thread":
		if len(rest) != 1 {
			return fmt.Errorf("thread: expected <id|address>")
		}
		k, err := threadKey(rest[0])
		if err != nil {
			return err
		}
		view, err := c.Thread(ctx, k)
		if err != nil {
			return err
		}
		return printJSON(view)
	case "airdrop":
		if len(rest) < 1 || len(rest) > 2 {
			return fmt.Errorf("airdrop: expected <address> [lamports]")
		}
		k, err := pubkey.Parse(rest[0])
		if err != nil {
			return fmt.Errorf("airdrop: %w", err)
		}
		var lamports uint64
		if len(rest) == 2 {
			if lamports, err = strconv.ParseUint(rest[1], 10, 64); err != nil {
				return fmt.Errorf("airdrop: lamports: %w", err)
			}
		}
		rc, err := c.Airdrop(ctx, k, lamports)
		if err != nil {
			return err
		}
		return printJSON(rc)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// threadKey accepts a base58 address or a thread id registered through
// initialize.
func threadKey(s string) (pubkey.Key, error) {
	if k, err := pubkey.Parse(s); err == nil {
		return k, nil
	}
	return switchprog.ThreadAddress(s)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
