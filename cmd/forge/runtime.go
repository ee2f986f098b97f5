package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgehq/forge/internal/agent"
	agentctx "github.com/forgehq/forge/internal/agent/context"
	"github.com/forgehq/forge/internal/agent/providers"
	"github.com/forgehq/forge/internal/config"
	"github.com/forgehq/forge/internal/history"
	"github.com/forgehq/forge/internal/recovery"
	"github.com/forgehq/forge/internal/sandbox"
	"github.com/forgehq/forge/internal/streamjournal"
	"github.com/forgehq/forge/internal/toolbatch"
	"github.com/forgehq/forge/internal/tokens"
	execTools "github.com/forgehq/forge/internal/tools/exec"
	"github.com/forgehq/forge/internal/tools/files"
)

// runtime wires together one process's worth of forge subsystems: the full
// history store (C2), the two journals (C3/C4), the context manager (C5),
// the sandbox (C6), the tool gate/router (C7), the provider adapter (C8),
// and the turn orchestrator (C9) that sits on top of all of it.
type runtime struct {
	cfg        *config.ForgeConfig
	dataDir    string
	sessionID  string
	history    history.Store
	streams    *streamjournal.Journal
	batches    *toolbatch.Journal
	router     *agent.ToolRouter
	turn       *agent.Turn
	recoverer  *recovery.Coordinator
}

// newRuntime loads configuration, opens the on-disk stores under dataDir,
// and assembles a Turn ready to run turns for sessionID. configPath and
// dataDir both default to the forge data directory (spec §6:
// ~/.forge/{history.db,stream.journal,tool.journal,config.toml}).
func newRuntime(configPath, dataDir, sessionID string) (*runtime, []string, error) {
	var warnings []string

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	cfg, cfgWarnings, err := config.LoadForgeConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	warnings = append(warnings, cfgWarnings...)

	hist, err := history.OpenSQLiteStore(filepath.Join(dataDir, "history.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open history store: %w", err)
	}

	streams, err := streamjournal.Open(filepath.Join(dataDir, "stream.journal"))
	if err != nil {
		return nil, nil, fmt.Errorf("open stream journal: %w", err)
	}
	batches, err := toolbatch.Open(filepath.Join(dataDir, "tool.journal"))
	if err != nil {
		return nil, nil, fmt.Errorf("open tool journal: %w", err)
	}

	workspace, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve workspace: %w", err)
	}
	sb, err := sandbox.New([]string{workspace}, nil, false)
	if err != nil {
		return nil, nil, fmt.Errorf("build sandbox: %w", err)
	}

	tools := agent.NewToolRegistry()
	fileCfg := files.Config{Workspace: workspace, MaxReadBytes: 256 * 1024}
	tools.Register(files.NewReadTool(fileCfg))
	tools.Register(files.NewWriteTool(fileCfg))
	tools.Register(files.NewEditTool(fileCfg))
	tools.Register(files.NewApplyPatchTool(fileCfg))
	execManager := execTools.NewManager(workspace)
	shellName := cfg.Tools.Shell.Binary
	if shellName == "" {
		shellName = "shell"
	}
	tools.Register(execTools.NewExecTool(shellName, execManager))
	tools.Register(execTools.NewProcessTool(execManager))

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, nil, err
	}

	checker := agent.NewApprovalChecker(agent.DefaultApprovalPolicy())
	router := agent.NewToolRouter(checker)

	counter := tokens.NewCounter(nil)
	packer := agentctx.NewPacker(agentctx.DefaultPackOptions())
	builder := agentctx.NewBuilder(packer, counter)

	turn := agent.NewTurn(hist, streams, batches, builder, router, provider, tools, sb)
	coord := recovery.New(hist, streams, batches, router.Gate)

	return &runtime{
		cfg:       cfg,
		dataDir:   dataDir,
		sessionID: sessionID,
		history:   hist,
		streams:   streams,
		batches:   batches,
		router:    router,
		turn:      turn,
		recoverer: coord,
	}, warnings, nil
}

// buildProvider constructs the LLMProvider named by cfg.App.Provider,
// reading its secret from api_keys.<provider> (after ${ENV_VAR} expansion,
// already applied by LoadForgeConfig) or the provider's own conventional
// environment variable as a fallback.
func buildProvider(cfg *config.ForgeConfig) (agent.LLMProvider, error) {
	switch cfg.App.Provider {
	case "", "anthropic":
		key := cfg.APIKeys["anthropic"]
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("missing Anthropic API key: set api_keys.anthropic in config.toml or ANTHROPIC_API_KEY")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: key})
	case "openai":
		key := cfg.APIKeys["openai"]
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("missing OpenAI API key: set api_keys.openai in config.toml or OPENAI_API_KEY")
		}
		return providers.NewOpenAIProvider(key), nil
	default:
		return nil, fmt.Errorf("unknown app.provider %q", cfg.App.Provider)
	}
}

func (r *runtime) model() string {
	if r.cfg.App.Model != "" {
		return r.cfg.App.Model
	}
	return "claude-sonnet-4-5"
}

func (r *runtime) close() {
	_ = r.history.Close()
}
