package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oarkflow/rls"
	"github.com/oarkflow/rls/logger"
	"github.com/oarkflow/rls/server"
	"github.com/oarkflow/rls/stores"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rls.LoadFile(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n%v\n", errFmt("invalid:"), args[0], err)
				return errors.New("validation failed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d policies)\n", okFmt("valid:"), args[0], len(cfg.Policies))
			return nil
		},
	}
}

func newConvertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert <input> <output>",
		Short: "Convert a policy file between formats",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, out := args[0], args[1]
			cfg, err := rls.LoadFile(in)
			if err != nil {
				return err
			}
			if err := rls.SaveFile(out, cfg); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s -> %s\n", okFmt("converted"), in, out)
			inStat, _ := os.Stat(in)
			outStat, _ := os.Stat(out)
			if inStat != nil && outStat != nil && inStat.Size() > 0 {
				change := (float64(outStat.Size())/float64(inStat.Size()) - 1) * 100
				fmt.Fprintf(w, "size %+.1f%% (%d -> %d bytes)\n", change, inStat.Size(), outStat.Size())
			}
			return nil
		},
	}
}

type policyStats struct {
	Policies    int            `json:"policies" yaml:"policies"`
	ByRole      map[string]int `json:"by_role" yaml:"by_role"`
	ByFilter    map[string]int `json:"by_filter" yaml:"by_filter"`
	ShowPII     int            `json:"show_pii" yaml:"show_pii"`
	CustomerKey int            `json:"customer_keys" yaml:"customer_keys"`
}

func computeStats(store *rls.StaticPolicyStore) policyStats {
	st := policyStats{ByRole: map[string]int{}, ByFilter: map[string]int{}}
	for _, p := range store.Policies() {
		st.Policies++
		st.ByRole[string(p.Role)]++
		st.ByFilter[string(p.FilterType)]++
		st.CustomerKey += len(p.CustomerKeys)
		if p.ShowPII.Enabled() {
			st.ShowPII++
		}
	}
	return st
}

func printCounts(w io.Writer, title string, m map[string]int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "%s\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %d\n", keyFmt(k), m[k])
	}
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <file>",
		Short: "Show policy statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rls.LoadFile(args[0])
			if err != nil {
				return err
			}
			store, err := cfg.Store()
			if err != nil {
				return err
			}
			st := computeStats(store)
			return writeOutput(cmd.OutOrStdout(), opts.output, st, func(w io.Writer) {
				fmt.Fprintf(w, "Policies:      %d\n", st.Policies)
				fmt.Fprintf(w, "PII visible:   %d\n", st.ShowPII)
				fmt.Fprintf(w, "Customer keys: %d\n", st.CustomerKey)
				printCounts(w, "By role:", st.ByRole)
				printCounts(w, "By filter:", st.ByFilter)
			})
		},
	}
}

func newExplainCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "explain [file] <identity>",
		Short: "Show the role, row filter and cache key an identity resolves to",
		Long: `Show the role, row filter and cache key an identity resolves to.
Without a file, policies are read from --dsn or --redis-addr.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, id := "", args[len(args)-1]
			if len(args) == 2 {
				file = args[0]
			}
			cfg, err := loadPolicies(cmd.Context(), opts, file)
			if err != nil {
				return err
			}
			eng, err := rls.NewEngineFromConfig(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			d := eng.Explain(rls.Identity(id))
			return writeOutput(cmd.OutOrStdout(), opts.output, d, func(w io.Writer) {
				fmt.Fprintf(w, "identity:  %s\n", d.Identity)
				fmt.Fprintf(w, "role:      %s\n", d.Role)
				fmt.Fprintf(w, "show_pii:  %s\n", d.ShowPII)
				fmt.Fprintf(w, "app_id:    %s\n", d.AppID)
				switch {
				case d.Filter == nil:
					fmt.Fprintf(w, "filter:    %s\n", okFmt("none (all rows)"))
				case d.DenyAll:
					fmt.Fprintf(w, "filter:    %s\n", warnFmt("deny all"))
				default:
					fmt.Fprintf(w, "filter:    %s %s %v\n", d.Filter.Member, d.Filter.Operator, d.Filter.Values)
				}
				fmt.Fprintf(w, "reason:    %s\n", d.Reason)
			})
		},
	}
}

func newImportSQLCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import-sql <file>",
		Short: "Write the policies of a file into the access_policies table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rls.LoadFile(args[0])
			if err != nil {
				return err
			}
			db, closeDB, err := openDB(opts)
			if err != nil {
				return err
			}
			defer closeDB()
			if err := stores.NewSQLPolicySource(db).Save(cmd.Context(), cfg.Policies...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d policies into %s\n", okFmt("imported"), len(cfg.Policies), opts.dbDriver)
			return nil
		},
	}
}

func newImportRedisCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import-redis <file>",
		Short: "Write the policies of a file into the Redis policy hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rls.LoadFile(args[0])
			if err != nil {
				return err
			}
			client, err := openRedis(opts)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := stores.NewRedisPolicySource(client, opts.redisKey).Save(cmd.Context(), cfg.Policies...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d policies into %s\n", okFmt("imported"), len(cfg.Policies), opts.redisKey)
			return nil
		},
	}
}

func newExportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export <output>",
		Short: "Write the policies of the SQL or Redis source to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPolicies(cmd.Context(), opts, "")
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := rls.SaveFile(args[0], cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d policies to %s\n", okFmt("exported"), len(cfg.Policies), args[0])
			return nil
		},
	}
}

func newServeCmd(opts *options) *cobra.Command {
	var addr string
	var audit bool
	cmd := &cobra.Command{
		Use:   "serve [file]",
		Short: "Serve the engine hooks over HTTP",
		Long: `Serve the engine hooks over HTTP. Policies are loaded once at start
from the file, or from --dsn or --redis-addr when no file is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadPolicies(ctx, opts, fileArg(args))
			if err != nil {
				return err
			}
			log := logger.NewPhusluLogger("component", "rls-server")
			engineOpts := []rls.EngineOption{rls.WithLogger(log)}
			if audit {
				db, closeDB, err := openDB(opts)
				if err != nil {
					return err
				}
				defer closeDB()
				auditStore, err := stores.NewSQLAuditStore(db)
				if err != nil {
					return err
				}
				engineOpts = append(engineOpts, rls.WithAuditStore(auditStore, cfg.Engine.AuditBuffer))
			}
			eng, err := rls.NewEngineFromConfig(cfg, engineOpts...)
			if err != nil {
				return err
			}
			defer eng.Close()

			srv := &http.Server{
				Addr:              addr,
				Handler:           server.New(eng, log),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			log.Info("serving hooks", "addr", addr)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().BoolVar(&audit, "audit", false, "Record row filter decisions in the SQL audit table (requires --dsn)")
	return cmd
}
