package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kadirpekel/strand/pkg/auth"
	"github.com/kadirpekel/strand/pkg/server"
)

// ServeCmd starts the runtime server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	cleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// Reload-on-change only logs; live component swaps are not
	// supported, a restart picks the new config up.
	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("config watch failed", "error", err)
			}
		}()
	}

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	var validator *auth.Validator
	if cfg.Auth.Enabled {
		validator, err = auth.NewValidator(ctx, cfg.Auth)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	var metrics http.Handler
	if cfg.Observability.Metrics.Enabled {
		metrics = rt.obs.Metrics().Handler()
	}

	srv, err := server.New(server.Config{
		Addr:            cfg.Server.Addr(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, server.Deps{
		Supervisor: rt.supervisor,
		Approvals:  rt.approvals,
		Agents:     rt.agents,
		Validator:  validator,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	fmt.Printf("\nstrand runtime ready on %s\n", cfg.Server.Addr())
	fmt.Printf("   Health:    http://%s/health\n", cfg.Server.Addr())
	fmt.Printf("   Sessions:  http://%s/v1/sessions\n", cfg.Server.Addr())
	fmt.Printf("   Approvals: http://%s/v1/approvals\n", cfg.Server.Addr())
	if metrics != nil {
		fmt.Printf("   Metrics:   http://%s/metrics\n", cfg.Server.Addr())
	}
	if cfg.Storage.Backend == "sql" {
		fmt.Printf("   Storage:   %s (%s)\n", cfg.Storage.Database.Driver, cfg.Storage.Database.Database)
	} else {
		fmt.Printf("   Storage:   in-memory (not persisted)\n")
	}
	fmt.Println("\n   Agents:")
	for _, a := range rt.agents {
		fmt.Printf("     - %s (%s)\n", a.Name, a.Provider)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.ListenAndServe(ctx)
}
