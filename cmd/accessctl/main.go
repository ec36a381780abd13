// Command accessctl runs operator tasks against the access engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odyssey-erp/odyssey-access/cmd/accessctl/cli"
	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/escalation"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	logger := app.NewLogger(cfg)

	switch args[0] {
	case "token":
		return tokenCmd(cfg, args[1:], stdout, stderr)
	case "seed":
		return seedCmd(ctx, cfg, logger, args[1:], stdout, stderr)
	case "queue":
		return queueCmd(ctx, cfg, stdout, stderr)
	case "notify":
		return notifyCmd(ctx, cfg, args[1:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: accessctl <token|seed|queue|notify> [flags]")
}

func tokenCmd(cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	userID := fs.Int64("user", 0, "User id the token names")
	ttl := fs.Duration("ttl", cfg.TokenTTL, "Token lifetime")
	asJSON := fs.Bool("json", false, "Emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	tokens := auth.NewTokenService(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.JWTAudience)
	if err := cli.IssueToken(tokens, *userID, *ttl, *asJSON, stdout); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func seedCmd(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	actor := fs.Int64("actor", 1, "User id recorded as the seeding actor")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		fmt.Fprintf(stderr, "connect postgres: %v\n", err)
		return 1
	}
	defer pool.Close()

	store := policy.NewPostgresStore(pool)
	resolver := rbac.NewResolver(store, nil, logger)
	service := rbac.NewService(store, nil, nil, resolver, logger, rbac.WithTxWindow(cfg.TxWindow))
	if err := cli.Seed(ctx, service, *actor, stdout); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func queueCmd(ctx context.Context, cfg *app.Config, stdout, stderr io.Writer) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer jobsCLI.Close()

	stats, err := jobsCLI.InspectQueue(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "inspect queue: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	retrying, err := jobsCLI.ListRetrying(ctx, 10)
	if err != nil {
		fmt.Fprintf(stderr, "list retry: %v\n", err)
		return 1
	}
	for _, t := range retrying {
		fmt.Fprintf(stdout, "  %s %s retried=%d last_err=%q\n", t.ID, t.Type, t.Retried, t.LastErr)
	}
	return 0
}

func notifyCmd(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("notify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workflowID := fs.Int64("workflow", 0, "Approval workflow id")
	evaluationID := fs.Int64("evaluation", 0, "Evaluation id")
	approverID := fs.Int64("approver", 0, "Approver to notify")
	reason := fs.String("reason", "manual replay", "Notification reason")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer jobsCLI.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	info, err := jobsCLI.Notify(ctx, escalation.Notification{
		WorkflowID:  *workflowID,
		ReferenceID: *evaluationID,
		ApproverID:  *approverID,
		Reason:      *reason,
	})
	if err != nil {
		fmt.Fprintf(stderr, "enqueue: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "enqueued %s on %s\n", info.ID, info.Queue)
	return 0
}
