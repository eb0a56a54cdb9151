package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kadirpekel/strand/pkg/agent"
	"github.com/kadirpekel/strand/pkg/approval"
	"github.com/kadirpekel/strand/pkg/breaker"
	"github.com/kadirpekel/strand/pkg/budget"
	"github.com/kadirpekel/strand/pkg/config"
	"github.com/kadirpekel/strand/pkg/credentials"
	"github.com/kadirpekel/strand/pkg/dlp"
	"github.com/kadirpekel/strand/pkg/events"
	"github.com/kadirpekel/strand/pkg/guardrail"
	"github.com/kadirpekel/strand/pkg/httpclient"
	"github.com/kadirpekel/strand/pkg/journal"
	"github.com/kadirpekel/strand/pkg/llms"
	"github.com/kadirpekel/strand/pkg/model"
	"github.com/kadirpekel/strand/pkg/observability"
	"github.com/kadirpekel/strand/pkg/ratelimit"
	"github.com/kadirpekel/strand/pkg/server"
	"github.com/kadirpekel/strand/pkg/session"
	"github.com/kadirpekel/strand/pkg/supervisor"
	"github.com/kadirpekel/strand/pkg/tools"
)

// runtime is the assembled system: every governed collaborator wired
// per the loaded configuration.
type runtime struct {
	cfg        *config.Config
	pool       *config.DBPool
	obs        *observability.Manager
	approvals  *approval.Manager
	supervisor *supervisor.Supervisor
	agents     []server.AgentInfo
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	resolver, err := credentials.NewResolver(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}

	providers := llms.NewRegistry()
	for _, def := range cfg.Providers {
		if err := providers.Register(def); err != nil {
			return nil, fmt.Errorf("provider %q: %w", def.ID, err)
		}
	}

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	pool := config.NewDBPool()
	stores, err := buildStores(cfg, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	scanner, err := dlp.NewScanner(cfg.Governance.DLP)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("dlp: %w", err)
	}
	guardrails, err := guardrail.NewEngine(cfg.Governance.Guardrails, nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("guardrails: %w", err)
	}

	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg); err != nil {
		pool.Close()
		return nil, fmt.Errorf("builtin tools: %w", err)
	}
	for _, mc := range cfg.Tools.MCP {
		ts, err := tools.NewMCPToolset(mc)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("mcp toolset %q: %w", mc.Name, err)
		}
		reg.AddToolset(ts)
	}
	for _, pc := range cfg.Tools.Plugins {
		ts, err := tools.NewPluginToolset(pc)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("plugin toolset %q: %w", pc.Name, err)
		}
		reg.AddToolset(ts)
	}

	executor := tools.NewExecutor(reg,
		scanner,
		ratelimit.New(cfg.Governance.RateLimit),
		breaker.NewRegistry(cfg.Governance.Breaker),
		journal.New(stores.journal),
	)

	approvals := approval.NewManager()
	names := agentNames(cfg)
	agentDefaults := make(map[string]session.Config, len(names))
	policyTable := make(map[string]agent.Policies, len(names))
	infos := make([]server.AgentInfo, 0, len(names))
	var pricing budget.Pricing
	for _, name := range names {
		ac := cfg.Agents[name]
		agentDefaults[name] = ac.SessionConfig()
		perms, sandbox := ac.Permissions, ac.Sandbox
		policyTable[name] = agent.Policies{Permissions: &perms, Sandbox: &sandbox}
		infos = append(infos, server.AgentInfo{
			Name:        name,
			Description: ac.Description,
			Provider:    ac.Provider,
			Model:       ac.Model,
		})
		if pricing == (budget.Pricing{}) {
			pricing = ac.Pricing.Pricing()
		}
	}

	hub := events.NewHub(0)
	loop, err := agent.New(agent.Deps{
		Store:       stores.sessions,
		Hub:         hub,
		NewLLM:      newLLMFactory(cfg, providers, resolver, obs),
		Executor:    executor,
		Budget:      budget.NewManager(stores.budgets, nil),
		Pricing:     pricing,
		Guardrails:  guardrails,
		Approvals:   approvals,
		Policies:    func(agentID string) agent.Policies { return policyTable[agentID] },
		Credentials: resolver,
		Observer:    obs.Metrics(),
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("agent loop: %w", err)
	}

	sv, err := supervisor.New(stores.sessions, hub, loop, supervisor.Config{
		SweepInterval: cfg.Supervisor.SweepInterval,
		StaleAfter:    cfg.Supervisor.StaleAfter,
		FailStale:     cfg.Supervisor.FailStale,
		AgentDefaults: agentDefaults,
	}, supervisor.WithObserver(obs.Metrics()))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	return &runtime{
		cfg:        cfg,
		pool:       pool,
		obs:        obs,
		approvals:  approvals,
		supervisor: sv,
		agents:     infos,
	}, nil
}

// Close tears down in reverse dependency order.
func (rt *runtime) Close() {
	rt.supervisor.Shutdown()
	_ = rt.obs.Shutdown(context.Background())
	_ = rt.pool.Close()
}

type storeSet struct {
	sessions session.Store
	journal  journal.Store
	budgets  budget.Store
}

func buildStores(cfg *config.Config, pool *config.DBPool) (*storeSet, error) {
	if cfg.Storage.Backend != "sql" {
		return &storeSet{
			sessions: session.NewMemoryStore(),
			journal:  journal.NewMemoryStore(),
			budgets:  budget.NewMemoryStore(),
		}, nil
	}

	db, err := pool.Get(cfg.Storage.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	dialect := cfg.Storage.Database.Dialect()

	sessions, err := session.NewSQLStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	jrnl, err := journal.NewSQLStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("journal store: %w", err)
	}
	budgets, err := budget.NewSQLStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("budget store: %w", err)
	}
	return &storeSet{sessions: sessions, journal: jrnl, budgets: budgets}, nil
}

// newLLMFactory binds provider ids to the base URL and credential each
// agent declared, then builds a dialect client per session config. When
// two agents bind the same provider differently the first (by name)
// wins.
func newLLMFactory(cfg *config.Config, providers *llms.Registry, resolver *credentials.Resolver, obs *observability.Manager) agent.LLMFactory {
	type binding struct {
		baseURL   string
		apiKeyRef string
		provider  string
	}
	bindings := make(map[string]binding)
	for _, name := range agentNames(cfg) {
		ac := cfg.Agents[name]
		if _, ok := bindings[ac.Provider]; !ok {
			bindings[ac.Provider] = binding{
				baseURL:   ac.BaseURL,
				apiKeyRef: ac.APIKey,
				provider:  ac.Provider,
			}
		}
	}

	return func(sc session.Config, onRetry httpclient.OnRetry) (model.LLM, error) {
		b := bindings[sc.Provider]
		def, err := providers.Resolve(sc.Provider, b.baseURL)
		if err != nil {
			return nil, err
		}
		var apiKey string
		if b.apiKeyRef != "" {
			apiKey, err = resolver.Resolve(b.apiKeyRef)
			if err != nil {
				return nil, fmt.Errorf("resolving credential %q: %w", b.apiKeyRef, err)
			}
		}
		metrics := obs.Metrics()
		return llms.NewClient(def, llms.ClientConfig{
			Model:  sc.Model,
			APIKey: apiKey,
			OnRetry: func(attempt int, delay time.Duration, reason string) {
				metrics.LLMRetry(context.Background(), def.ID)
				if onRetry != nil {
					onRetry(attempt, delay, reason)
				}
			},
		})
	}
}

func agentNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
