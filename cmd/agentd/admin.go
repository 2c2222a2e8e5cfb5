package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/cscx-ai/agentd/internal/adapter/gateway"
	"github.com/cscx-ai/agentd/internal/adapter/localtool"
	"github.com/cscx-ai/agentd/internal/adapter/mcptool"
	"github.com/cscx-ai/agentd/internal/adapter/postgres"
	"github.com/cscx-ai/agentd/internal/config"
	"github.com/cscx-ai/agentd/internal/domain/approval"
	"github.com/cscx-ai/agentd/internal/domain/risk"
	"github.com/cscx-ai/agentd/internal/domain/tool"
	"github.com/cscx-ai/agentd/internal/port/modelprovider"
	"github.com/cscx-ai/agentd/internal/port/statestore"
	"github.com/cscx-ai/agentd/internal/port/toolexec"
	"github.com/cscx-ai/agentd/internal/resilience"
	"github.com/cscx-ai/agentd/internal/service"
)

// runAdmin dispatches admin subcommands (list-approvals, resolve, set-gateway-key).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "list-approvals":
		return runAdminListApprovals(args[1:])
	case "resolve":
		return runAdminResolve(args[1:])
	case "set-gateway-key":
		return runAdminSetGatewayKey(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: agentd admin <command> [options]

Commands:
  list-approvals   List executions paused for approval
  resolve          Approve or reject a paused execution
  set-gateway-key  Store the model gateway API key in the config file
  help             Show this help message

Examples:
  agentd admin list-approvals --user csm-morgan
  agentd admin resolve --state 8c2e1f3a-9d4b-4f6e-b1a7-52c803419e04
  agentd admin resolve --state 8c2e1f3a-9d4b-4f6e-b1a7-52c803419e04 --reject
  agentd admin resolve --state 8c2e1f3a-9d4b-4f6e-b1a7-52c803419e04 --input '{"subject":"Revised renewal terms"}'
  agentd admin set-gateway-key
`)
}

// loadAdminStore connects to the state store for read-only commands.
// Admin commands require postgres; in-memory state lives inside the
// server process and is not reachable from here.
func loadAdminStore(ctx context.Context) (statestore.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Postgres.DSN == "" {
		return nil, nil, fmt.Errorf("admin commands require a postgres dsn")
	}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	cleanup := func() { pool.Close() }
	return postgres.NewStore(pool), cleanup, nil
}

// loadAdminEngine builds the full execution service. Resolving an
// approval runs the held step, so the engine needs the gateway and
// tool backend, not just the store.
func loadAdminEngine(ctx context.Context, policyName string) (*service.ExecutionService, approval.Policy, func(), error) {
	var policy approval.Policy

	cfg, err := config.Load()
	if err != nil {
		return nil, policy, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Postgres.DSN == "" {
		return nil, policy, nil, fmt.Errorf("admin commands require a postgres dsn")
	}

	policies := map[string]approval.Policy{"default": approval.DefaultPolicy()}
	if cfg.Approvals.PresetsFile != "" {
		policies, err = approval.LoadPresets(cfg.Approvals.PresetsFile)
		if err != nil {
			return nil, policy, nil, fmt.Errorf("approval presets: %w", err)
		}
	}
	if policyName == "" {
		policyName = cfg.Approvals.Preset
	}
	policy, ok := policies[policyName]
	if !ok {
		return nil, policy, nil, fmt.Errorf("approval preset %q not defined", policyName)
	}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, policy, nil, fmt.Errorf("connect to database: %w", err)
	}
	cleanup := func() { pool.Close() }

	registry, err := tool.NewRegistry(tool.Builtins())
	if err != nil {
		cleanup()
		return nil, policy, nil, err
	}
	esc, err := risk.NewEscalator(risk.DefaultRules())
	if err != nil {
		cleanup()
		return nil, policy, nil, err
	}

	primary := gateway.NewClient("primary", cfg.Gateway.URL, cfg.Gateway.APIKey, cfg.Gateway.PrimaryModel, cfg.Gateway.Timeout)
	primary.SetToolCatalog(registry)
	var secondary modelprovider.Provider
	if cfg.Gateway.SecondaryModel != "" {
		sc := gateway.NewClient("secondary", cfg.Gateway.URL, cfg.Gateway.APIKey, cfg.Gateway.SecondaryModel, cfg.Gateway.Timeout)
		sc.SetToolCatalog(registry)
		secondary = sc
	}
	breakers := resilience.NewRegistry(cfg.Breaker.MaxFailures, cfg.Breaker.Cooldown)
	provider := service.NewFallbackProvider(primary, secondary, breakers)

	var exec toolexec.Executor
	if cfg.Tools.Backend == "mcp" {
		mcpExec, err := mcptool.Connect(ctx, mcptool.ServerConfig{
			Transport: cfg.Tools.MCP.Transport,
			Command:   cfg.Tools.MCP.Command,
			Args:      cfg.Tools.MCP.Args,
			Env:       cfg.Tools.MCP.Env,
			URL:       cfg.Tools.MCP.URL,
			Headers:   cfg.Tools.MCP.Headers,
		})
		if err != nil {
			cleanup()
			return nil, policy, nil, fmt.Errorf("mcp tools: %w", err)
		}
		closePool := cleanup
		cleanup = func() {
			_ = mcpExec.Close()
			closePool()
		}
		exec = mcpExec
	} else {
		exec = localtool.New()
	}

	runner := service.NewToolRunner(registry, exec, breakers)
	planner := service.NewPlannerService(provider, registry, cfg.Execution)
	executions := service.NewExecutionService(postgres.NewStore(pool), planner, runner, registry, esc,
		service.NewPool(1), cfg.Execution, cfg.Approvals.Expiry)

	return executions, policy, cleanup, nil
}

func runAdminListApprovals(args []string) error {
	fs := flag.NewFlagSet("list-approvals", flag.ContinueOnError)
	userID := fs.String("user", "", "user whose pending approvals to list (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *userID == "" {
		return fmt.Errorf("--user is required")
	}

	ctx := context.Background()
	store, cleanup, err := loadAdminStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	states, err := store.ListPendingByUser(ctx, *userID)
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}

	if len(states) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATE\tTOOL\tRISK\tREQUESTED\tEXPIRES\tREASON")
	for i := range states {
		p := states[i].Pending
		if p == nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			states[i].ID, p.Tool, p.Risk,
			p.RequestedAt.Format(time.RFC3339), p.ExpiresAt.Format(time.RFC3339), p.Reason)
	}
	return w.Flush()
}

func runAdminResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	stateID := fs.String("state", "", "execution id to resolve (required)")
	reject := fs.Bool("reject", false, "reject instead of approve")
	input := fs.String("input", "", "replacement tool input as JSON (approve only)")
	policyName := fs.String("policy", "", "approval policy preset for the remaining steps")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *stateID == "" {
		return fmt.Errorf("--state is required")
	}
	id, err := uuid.Parse(*stateID)
	if err != nil {
		return fmt.Errorf("invalid execution id: %w", err)
	}

	var edited map[string]any
	if *input != "" {
		if *reject {
			return fmt.Errorf("--input cannot be combined with --reject")
		}
		if err := json.Unmarshal([]byte(*input), &edited); err != nil {
			return fmt.Errorf("parse --input: %w", err)
		}
	}

	ctx := context.Background()
	executions, policy, cleanup, err := loadAdminEngine(ctx, *policyName)
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := executions.Resume(ctx, id, !*reject, edited, policy)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Execution %s is now %s\n", st.ID, st.Status)
	if st.Error != "" {
		fmt.Fprintf(os.Stderr, "  error: %s\n", st.Error)
	}
	return nil
}

func runAdminSetGatewayKey(args []string) error {
	fs := flag.NewFlagSet("set-gateway-key", flag.ContinueOnError)
	file := fs.String("config", "", "config file to update (default: $AGENTD_CONFIG or agentd.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *file
	if path == "" {
		path = os.Getenv("AGENTD_CONFIG")
	}
	if path == "" {
		path = config.DefaultConfigFile
	}

	key, err := promptSecret("Gateway API key: ")
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}

	doc := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	gw, _ := doc["gateway"].(map[string]any)
	if gw == nil {
		gw = map[string]any{}
	}
	gw["api_key"] = key
	doc["gateway"] = gw

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Fprintf(os.Stderr, "Gateway API key written to %s\n", path)
	return nil
}

// promptSecret reads a secret from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)                         // newline after secret input
	if err != nil {
		return "", err
	}
	return string(b), nil
}
