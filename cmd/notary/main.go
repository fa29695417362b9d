package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentsystems/agentsystems-notary/pkg/audit"
	"github.com/agentsystems/agentsystems-notary/pkg/blobstore"
	"github.com/agentsystems/agentsystems-notary/pkg/canonicalize"
	"github.com/agentsystems/agentsystems-notary/pkg/config"
	"github.com/agentsystems/agentsystems-notary/pkg/ledger"
	"github.com/agentsystems/agentsystems-notary/pkg/notary"
	"github.com/agentsystems/agentsystems-notary/pkg/sequencer"
	"github.com/agentsystems/agentsystems-notary/pkg/tenants"
	"github.com/agentsystems/agentsystems-notary/pkg/util/resiliency"
	"github.com/agentsystems/agentsystems-notary/pkg/verifier"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver (lite mode)
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "record":
		return runRecordCmd(args[2:], stdin, stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "hash":
		return runHashCmd(args[2:], stdin, stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "notary - tamper-evident audit records for LLM calls")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  notary <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  record   Canonicalize a payload from stdin and dual-write it")
	fmt.Fprintln(w, "  verify   Audit a session: re-hash blobs against ledger receipts")
	fmt.Fprintln(w, "  hash     Print canonical bytes and hash without writing (offline)")
	fmt.Fprintln(w, "  health   Check ledger service reachability")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
}

func runRecordCmd(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("record", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		sessionID  string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to notary.yaml (env vars also apply)")
	cmd.StringVar(&sessionID, "session", "", "Session ID (default: new session)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	raw, err := io.ReadAll(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading payload: %v\n", err)
		return 2
	}
	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		fmt.Fprintf(stderr, "Error: payload is not valid JSON: %v\n", err)
		return 2
	}

	ctx := context.Background()
	coord, cleanup, err := buildCoordinator(ctx, cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer cleanup()

	out := coord.Record(ctx, cfg.TenantID, sessionID, payload)

	if jsonOutput {
		result := map[string]any{
			"state":           string(out.State),
			"tenant_id":       out.TenantID,
			"session_id":      out.SessionID,
			"sequence_number": out.SequenceNumber,
			"content_hash":    out.ContentHash,
		}
		if out.Err != nil {
			result["error"] = out.Err.Error()
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if out.Committed() {
		fmt.Fprintf(stdout, "Committed %s/%s/%d %s\n",
			out.TenantID, out.SessionID, out.SequenceNumber, out.ContentHash)
	} else {
		logger := slog.New(slog.NewTextHandler(stderr, nil))
		logger.Error("record failed",
			"state", string(out.State),
			"tenant_id", out.TenantID,
			"session_id", out.SessionID,
			"sequence_number", out.SequenceNumber,
			"error", out.Err)
	}

	if out.Committed() {
		return 0
	}
	return 1
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		sessionID  string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to notary.yaml (env vars also apply)")
	cmd.StringVar(&sessionID, "session", "", "Session ID to audit (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if sessionID == "" {
		fmt.Fprintln(stderr, "Error: --session is required")
		cmd.Usage()
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	store, err := buildStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	cred, err := tenants.NewCredential(cfg.APIKey, cfg.TenantID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	led := ledger.NewHTTPLedger(cfg.LedgerURL, cred)

	report, err := verifier.VerifySession(ctx, store, led, cfg.TenantID, sessionID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "%s\n", report.Summary)
		for _, c := range report.Checks {
			status := "PASS"
			detail := c.Detail
			if !c.Pass {
				status = "FAIL"
				detail = c.Reason
			}
			fmt.Fprintf(stdout, "  [%s] %-20s %s\n", status, c.Name, detail)
		}
	}

	if report.Verified {
		return 0
	}
	return 1
}

func runHashCmd(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("hash", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var canonicalOut bool
	cmd.BoolVar(&canonicalOut, "canonical", false, "Also print the canonical bytes")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	raw, err := io.ReadAll(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading payload: %v\n", err)
		return 2
	}

	canonical, err := canonicalize.Transform(raw)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if canonicalOut {
		fmt.Fprintf(stdout, "%s\n", canonical)
	}
	fmt.Fprintln(stdout, canonicalize.HashBytes(canonical))
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var ledgerURL string
	cmd.StringVar(&ledgerURL, "url", ledger.DefaultAPIURL, "Ledger service URL")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(strings.TrimSuffix(ledgerURL, "/") + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(stdout, "OK")
	return 0
}

// buildCoordinator wires the full pipeline from configuration. The returned
// cleanup closes any database or redis connections the sequencer opened.
func buildCoordinator(ctx context.Context, cfg config.Config, stderr io.Writer) (*notary.Coordinator, func(), error) {
	cleanup := func() {}

	cred, err := tenants.NewCredential(cfg.APIKey, cfg.TenantID)
	if err != nil {
		return nil, cleanup, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, cleanup, err
	}

	seq, cleanup, err := buildSequencer(ctx, cfg)
	if err != nil {
		return nil, cleanup, err
	}

	led := ledger.NewHTTPLedger(cfg.LedgerURL, cred)

	coordCfg := notary.Config{
		Credential: cred,
		BucketName: cfg.VendorBucketName,
		Debug:      cfg.Debug,
		RetryPolicy: resiliency.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
	}
	if cfg.Debug {
		coordCfg.DebugWriter = stderr
	}

	coord := notary.NewCoordinator(coordCfg, store, led, seq,
		notary.WithAuditLogger(audit.NewLogger()))
	return coord, cleanup, nil
}

func buildStore(ctx context.Context, cfg config.Config) (blobstore.Store, error) {
	return blobstore.NewStore(ctx, blobstore.StoreConfig{
		Type:       blobstore.StoreType(cfg.Storage.Type),
		DataDir:    cfg.Storage.DataDir,
		Bucket:     cfg.VendorBucketName,
		S3Region:   cfg.Storage.S3Region,
		S3Endpoint: cfg.Storage.S3Endpoint,
	})
}

func buildSequencer(ctx context.Context, cfg config.Config) (sequencer.Sequencer, func(), error) {
	cleanup := func() {}

	switch cfg.Sequencer.Backend {
	case "sql":
		driver := "postgres"
		dsn := cfg.Sequencer.DSN
		if strings.HasPrefix(dsn, "sqlite:") {
			driver = "sqlite"
			dsn = strings.TrimPrefix(dsn, "sqlite:")
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open sequencer db: %w", err)
		}
		cleanup = func() { _ = db.Close() }
		s := sequencer.NewSQLSequencer(db)
		if err := s.Init(ctx); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		return s, cleanup, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Sequencer.RedisAddr})
		cleanup = func() { _ = client.Close() }
		return sequencer.NewRedisSequencer(client), cleanup, nil

	default:
		// In-process counter. Correct for a single producer; shared sessions
		// need the sql or redis backend.
		return sequencer.NewMemorySequencer(), cleanup, nil
	}
}
