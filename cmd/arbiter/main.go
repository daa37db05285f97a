package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/magickw/linkdao-riskmod/riskmod/engine"
	"github.com/magickw/linkdao-riskmod/riskmod/model"
	"github.com/magickw/linkdao-riskmod/riskmod/policy"
	"github.com/magickw/linkdao-riskmod/riskmod/trust"
	"github.com/magickw/linkdao-riskmod/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "arbiter",
		Usage:   "risk-based moderation decision service",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"ARBITER_LOG_LEVEL", "RISKMOD_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (text or json)",
			EnvVars: []string{"ARBITER_LOG_FMT", "RISKMOD_LOG_FMT"},
		},
		&cli.StringFlag{
			Name:    "policy-templates",
			Usage:   "path to JSON file with additional policy templates",
			EnvVars: []string{"ARBITER_POLICY_TEMPLATES"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		decideCmd,
		templatesCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context) (*slog.Logger, error) {
	return cliutil.SetupSlog(cliutil.LogOptions{
		LogLevel:  cctx.String("log-level"),
		LogFormat: cctx.String("log-format"),
	})
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3990",
			EnvVars: []string{"ARBITER_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3991",
			EnvVars: []string{"ARBITER_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "policy and audit database (postgres or sqlite); policy is held in memory if not set",
			EnvVars: []string{"ARBITER_DATABASE_URL", "DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"ARBITER_MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL: redis://<user>:<pass>@<hostname>:6379/<db>",
			EnvVars: []string{"ARBITER_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "trust-host",
			Usage:   "method, hostname, and port of reputation service",
			EnvVars: []string{"ARBITER_TRUST_HOST"},
		},
		&cli.StringFlag{
			Name:    "trust-token",
			Usage:   "bearer token for reputation service",
			EnvVars: []string{"ARBITER_TRUST_TOKEN"},
		},
		&cli.Float64Flag{
			Name:    "trust-rate-limit",
			Usage:   "max requests per second to reputation service",
			Value:   200,
			EnvVars: []string{"ARBITER_TRUST_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "audit-file",
			Usage:   "path of append-only JSON lines audit log",
			EnvVars: []string{"ARBITER_AUDIT_FILE"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook, for review and block notifications",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token for admin API routes; admin routes are disabled if not set",
			EnvVars: []string{"ARBITER_ADMIN_TOKEN"},
		},
		&cli.DurationFlag{
			Name:    "request-timeout",
			Usage:   "bound on context and policy fetches for each decision",
			Value:   2 * time.Second,
			EnvVars: []string{"ARBITER_REQUEST_TIMEOUT"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}

		shutdownOTEL, err := configOTEL("arbiter")
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		defer shutdownOTEL()

		srv, err := NewServer(Config{
			Logger:           logger,
			Bind:             cctx.String("bind"),
			DatabaseURL:      cctx.String("database-url"),
			MaxDBConnections: cctx.Int("max-db-connections"),
			TemplatesFile:    cctx.String("policy-templates"),
			RedisURL:         cctx.String("redis-url"),
			TrustHost:        cctx.String("trust-host"),
			TrustToken:       cctx.String("trust-token"),
			TrustRateLimit:   cctx.Float64("trust-rate-limit"),
			AuditFile:        cctx.String("audit-file"),
			SlackWebhookURL:  cctx.String("slack-webhook-url"),
			AdminToken:       cctx.String("admin-token"),
			RequestTimeout:   cctx.Duration("request-timeout"),
		})
		if err != nil {
			return fmt.Errorf("failed to construct server: %v", err)
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		return srv.RunAPI()
	},
}

var decideCmd = &cli.Command{
	Name:      "decide",
	Usage:     "evaluate a single moderation request (JSON) against the in-memory policy, without side effects",
	ArgsUsage: `<file or "-">`,
	Flags: []cli.Flag{
		&cli.Float64Flag{
			Name:  "reputation",
			Usage: "submitter reputation score (0-100); if not set, a degraded context is used",
			Value: -1,
		},
		&cli.IntFlag{
			Name:  "account-age-days",
			Value: 365,
		},
		&cli.IntFlag{
			Name: "violations",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}

		var in io.Reader = os.Stdin
		if p := cctx.Args().First(); p != "" && p != "-" {
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		var req model.ModerationRequest
		if err := json.NewDecoder(in).Decode(&req); err != nil {
			return fmt.Errorf("parsing moderation request: %w", err)
		}

		store := policy.NewDefaultMemStore()
		if p := cctx.String("policy-templates"); p != "" {
			if err := store.LoadFromFileJSON(p); err != nil {
				return err
			}
		}
		acc, err := policy.NewAccessor(store, policy.AccessorConfig{Logger: logger})
		if err != nil {
			return err
		}

		provider := trust.NewStaticProvider()
		if rep := cctx.Float64("reputation"); rep >= 0 {
			provider.Set(req.SubmitterID, trust.ProviderContext{
				ReputationScore:      rep,
				AccountAgeDays:       cctx.Int("account-age-days"),
				RecentViolationCount: cctx.Int("violations"),
			})
		}
		agg, err := trust.NewAggregator(provider, trust.AggregatorConfig{Logger: logger})
		if err != nil {
			return err
		}

		eng, err := engine.NewEngine(acc, agg, nil, engine.DefaultConfig(), logger)
		if err != nil {
			return err
		}
		ev := eng.Evaluate(ctx, &req)

		out, err := json.MarshalIndent(ev.Decision, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var templatesCmd = &cli.Command{
	Name:  "templates",
	Usage: "print the built-in policy templates as JSON (in the policy templates file format)",
	Action: func(cctx *cli.Context) error {
		tf := policy.TemplateFile{
			Active:    policy.BalancedVersion,
			Templates: policy.DefaultTemplates(),
		}
		out, err := json.MarshalIndent(tf, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
