// Package runtime owns the swappable half of the agent: the provider
// chain, the active embedder, the skill registry with its sandbox
// rules, the approval gate, and the warnings collected while building
// them. A reload builds all of it from scratch and publishes the new
// set with a single atomic store. Turns already running keep the set
// they started with.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/hearth/internal/agent"
	"github.com/nugget/hearth/internal/approval"
	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/embeddings"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/fetch"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/memory"
	"github.com/nugget/hearth/internal/tools"
	"github.com/nugget/hearth/internal/vectorstore"
)

// DefaultSystemPrompt introduces the assistant to the model.
const DefaultSystemPrompt = "You are Hearth, a helpful self-hosted assistant. " +
	"Use the available tools when they help answer the user. " +
	"If a tool call is denied, explain what you could not do instead of retrying."

var (
	// ErrNoChatProvider is returned by Reload when every configured chat
	// provider was skipped.
	ErrNoChatProvider = errors.New("no usable chat provider")
	// ErrMemoryDisabled is returned by memory operations when no vector
	// store or embedder is available.
	ErrMemoryDisabled = errors.New("long-term memory is disabled")
)

// ChatFactory builds one chat client from a configured entry.
type ChatFactory func(p config.ProviderConfig, credential string, logger *slog.Logger) (llm.Client, error)

// EmbedderFactory builds the external embedder from a configured entry.
type EmbedderFactory func(ctx context.Context, p config.ProviderConfig, credential string, logger *slog.Logger) (embeddings.Embedder, error)

// Options are the long-lived collaborators shared by every reload.
type Options struct {
	Store  *vectorstore.Store // nil disables long-term memory
	Bus    *events.Bus
	Logger *slog.Logger

	// Factories default to the built-in providers.
	NewChat     ChatFactory
	NewEmbedder EmbedderFactory
}

// state is one immutable configuration generation.
type state struct {
	cfg        *config.Config
	components *agent.Components
	embedder   embeddings.Embedder // nil when memory is disabled
}

// Runtime serves the current component set.
type Runtime struct {
	opts    Options
	logger  *slog.Logger
	ledger  *approval.Ledger
	working *memory.WorkingSet

	state atomic.Pointer[state]
	// reloadMu serializes reloads and migrations, so a migration always
	// runs against the embedder that is active when it finishes.
	reloadMu sync.Mutex
}

// New builds the first generation from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewChat == nil {
		opts.NewChat = NewChatClient
	}
	if opts.NewEmbedder == nil {
		opts.NewEmbedder = NewEmbedder
	}
	r := &Runtime{
		opts:    opts,
		logger:  opts.Logger.With("component", "runtime"),
		ledger:  approval.NewLedger(),
		working: memory.NewWorkingSet(),
	}
	if err := r.Reload(ctx, cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload builds a new generation from cfg and swaps it in. On error
// the previous generation stays active.
func (r *Runtime) Reload(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	var warnings []string
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		r.logger.Warn(msg)
		warnings = append(warnings, msg)
	}

	chat, err := r.buildChat(cfg, warn)
	if err != nil {
		return err
	}

	embedder := r.buildEmbedder(ctx, cfg, warn)

	var recaller *tools.Memory
	if r.opts.Store != nil && embedder != nil {
		if _, err := r.opts.Store.CheckEmbedder(ctx, embedder.ModelName(), embedder.Dimensions()); err != nil {
			warn("long-term memory disabled: %v", err)
			embedder = nil
		} else {
			recaller = tools.NewMemory(embedder, r.opts.Store)
		}
	}

	registry, err := r.buildRegistry(cfg, recaller, warn)
	if err != nil {
		return err
	}

	policies, err := approval.ParsePolicies(cfg.Skills.Policies)
	if err != nil {
		return fmt.Errorf("approval policies: %w", err)
	}

	comp := &agent.Components{
		Chat:               chat,
		Tools:              registry,
		Gate:               approval.NewGate(r.ledger, policies, cfg.Agent.ApprovalTimeout, r.opts.Logger),
		Warnings:           warnings,
		SystemPrompt:       DefaultSystemPrompt,
		MaxIterations:      cfg.Agent.MaxIterations,
		MemoryContextLimit: cfg.Agent.MemoryContextLimit,
	}
	if recaller != nil {
		comp.Memory = recaller
	}

	prev := r.state.Swap(&state{cfg: cfg, components: comp, embedder: embedder})

	embedderName := "disabled"
	if embedder != nil {
		embedderName = embedder.ModelName()
	}
	r.logger.Info("runtime configured",
		"chat", chat.Name(),
		"embedder", embedderName,
		"skills", len(registry.Names()),
		"warnings", len(warnings),
		"reload", prev != nil,
	)
	r.opts.Bus.Emit(events.SourceRuntime, events.KindReload, map[string]any{
		"chat":     chat.Name(),
		"embedder": embedderName,
		"warnings": warnings,
	})
	return nil
}

func (r *Runtime) buildChat(cfg *config.Config, warn func(string, ...any)) (llm.Client, error) {
	var clients []llm.Client
	for _, p := range cfg.Providers.Chat {
		cred, err := p.ResolveCredential()
		if err == nil && cred == "" && p.Type == config.ProviderAnthropic {
			err = errors.New("no credential configured")
		}
		if err != nil {
			warn("chat provider %s skipped: %v", p.Label(), err)
			continue
		}
		c, err := r.opts.NewChat(p, cred, r.opts.Logger)
		if err != nil {
			warn("chat provider %s skipped: %v", p.Label(), err)
			continue
		}
		clients = append(clients, c)
	}
	if len(clients) == 0 {
		return nil, ErrNoChatProvider
	}
	return llm.NewChain(r.opts.Logger, clients...)
}

// buildEmbedder returns the active embedder. An external embedder that
// cannot be built disables memory; the built-in model is never
// substituted for a configured one.
func (r *Runtime) buildEmbedder(ctx context.Context, cfg *config.Config, warn func(string, ...any)) embeddings.Embedder {
	if r.opts.Store == nil {
		return nil
	}
	if len(cfg.Providers.Embedding) == 0 {
		return embeddings.NewLocal()
	}
	p := cfg.Providers.Embedding[0]
	if extra := len(cfg.Providers.Embedding) - 1; extra > 0 {
		warn("only one embedding provider is active; ignoring %d after %s", extra, p.Label())
	}
	cred, err := p.ResolveCredential()
	if err != nil {
		warn("embedding provider %s unavailable, long-term memory disabled: %v", p.Label(), err)
		return nil
	}
	e, err := r.opts.NewEmbedder(ctx, p, cred, r.opts.Logger)
	if err != nil {
		warn("embedding provider %s unavailable, long-term memory disabled: %v", p.Label(), err)
		return nil
	}
	return e
}

func (r *Runtime) buildRegistry(cfg *config.Config, recaller *tools.Memory, warn func(string, ...any)) (*tools.Registry, error) {
	registry := tools.NewRegistry(r.opts.Logger)

	sandbox, err := tools.NewSandbox(cfg.Skills.AllowedDirectories)
	if err != nil {
		return nil, fmt.Errorf("skills.allowed_directories: %w", err)
	}
	if len(sandbox.Roots()) == 0 {
		warn("file skills have no allowed directories; every path will be rejected")
	}
	if len(cfg.Skills.AllowedDomains) == 0 {
		warn("url_fetch has no allowed domains; every URL will be rejected")
	}

	regs := []func(*tools.Registry) error{
		tools.NewFileTools(sandbox).Register,
		func(reg *tools.Registry) error {
			return tools.RegisterFetch(reg, fetch.New(cfg.Skills.AllowedDomains, cfg.Skills.FetchTimeout))
		},
		func(reg *tools.Registry) error { return tools.RegisterWorkingMemory(reg, r.working) },
	}
	if recaller != nil {
		regs = append(regs, recaller.Register)
	}
	for _, register := range regs {
		if err := register(registry); err != nil {
			return nil, fmt.Errorf("register skills: %w", err)
		}
	}
	return registry, nil
}

// Components returns the current generation for one turn. While the
// vector store is blocked the migration warning is added.
func (r *Runtime) Components() *agent.Components {
	comp := *r.state.Load().components
	if r.opts.Store != nil && r.opts.Store.Blocked() {
		comp.Warnings = append(append([]string(nil), comp.Warnings...), agent.MigrationWarning)
	}
	return &comp
}

// Config returns the configuration of the current generation.
func (r *Runtime) Config() *config.Config { return r.state.Load().cfg }

// Working returns the per-conversation working memory set.
func (r *Runtime) Working() *memory.WorkingSet { return r.working }

// ResolveApproval delivers a human decision.
func (r *Runtime) ResolveApproval(id string, approved bool) error {
	err := r.ledger.Resolve(id, approved)
	if err == nil {
		r.logger.Info("approval resolved", "approval_id", id, "approved", approved)
	}
	return err
}

// PendingApprovals lists requests still waiting for a decision.
func (r *Runtime) PendingApprovals() []approval.Request { return r.ledger.Pending() }

// DropConversation releases a deleted conversation's volatile state:
// working memory, Once grants, and any approval still waiting.
func (r *Runtime) DropConversation(id string) {
	r.working.Drop(id)
	r.ledger.Forget(id)
	r.logger.Debug("conversation state dropped", "conversation", id)
}

// MemoryStatus describes the vector store against the active embedder.
type MemoryStatus struct {
	Enabled           bool                  `json:"enabled"`
	ActiveModel       string                `json:"active_model,omitempty"`
	ActiveDimensions  int                   `json:"active_dimensions,omitempty"`
	Stored            *vectorstore.Metadata `json:"stored,omitempty"`
	MigrationRequired bool                  `json:"migration_required"`
}

// MemoryStatus reports the current memory state.
func (r *Runtime) MemoryStatus(ctx context.Context) (MemoryStatus, error) {
	st := r.state.Load()
	if r.opts.Store == nil || st.embedder == nil {
		return MemoryStatus{}, nil
	}
	meta, err := r.opts.Store.Metadata(ctx)
	if err != nil {
		return MemoryStatus{}, err
	}
	return MemoryStatus{
		Enabled:           true,
		ActiveModel:       st.embedder.ModelName(),
		ActiveDimensions:  st.embedder.Dimensions(),
		Stored:            &meta,
		MigrationRequired: r.opts.Store.Blocked(),
	}, nil
}

// Migrate re-embeds the vector store with the active embedder. It only
// ever runs when asked. A reload requested meanwhile waits for it, and
// the embedder is read only once the lock is held.
func (r *Runtime) Migrate(ctx context.Context) (vectorstore.MigrationReport, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	st := r.state.Load()
	if r.opts.Store == nil || st.embedder == nil {
		return vectorstore.MigrationReport{}, ErrMemoryDisabled
	}

	r.opts.Bus.Emit(events.SourceMemory, events.KindMigrationStart, map[string]any{
		"model":      st.embedder.ModelName(),
		"dimensions": st.embedder.Dimensions(),
	})
	report, err := r.opts.Store.Migrate(ctx, st.embedder)
	data := map[string]any{
		"model":      report.ToModel,
		"reembedded": report.Reembedded,
		"skipped":    report.Skipped,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	r.opts.Bus.Emit(events.SourceMemory, events.KindMigrationComplete, data)
	return report, err
}
