package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/rls"
	"github.com/oarkflow/rls/stores"
)

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	keyFmt  = color.New(color.FgCyan).SprintFunc()
)

// options holds the global flags.
type options struct {
	output    string
	dbDriver  string
	dsn       string
	redisAddr string
	redisKey  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "rls-config",
		Short: "Manage row-level security and PII masking policies",
		Long: `rls-config validates, converts and inspects access policy files,
imports them into SQL or Redis policy sources, and serves the engine hooks
over HTTP.

Supported formats: .yaml, .yml, .json, .msgpack, .mp, .rls`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format: table, json, yaml")
	root.PersistentFlags().StringVar(&opts.dbDriver, "db-driver", "sqlite", "SQL driver: sqlite, postgres, mysql")
	root.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "SQL data source name")
	root.PersistentFlags().StringVar(&opts.redisAddr, "redis-addr", "", "Redis address (host:port)")
	root.PersistentFlags().StringVar(&opts.redisKey, "redis-key", stores.DefaultRedisPolicyKey, "Redis hash holding the policies")

	root.AddCommand(
		newValidateCmd(),
		newConvertCmd(),
		newStatsCmd(opts),
		newExplainCmd(opts),
		newImportSQLCmd(opts),
		newImportRedisCmd(opts),
		newExportCmd(opts),
		newServeCmd(opts),
	)
	return root
}

func openDB(opts *options) (*squealx.DB, func(), error) {
	if opts.dsn == "" {
		return nil, nil, fmt.Errorf("--dsn is required")
	}
	driver := opts.dbDriver
	if driver == "postgresql" {
		driver = "postgres"
	}
	sqlDB, err := sql.Open(driver, opts.dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}
	db := squealx.NewDb(sqlDB, driver, "rls")
	if err := stores.Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func openRedis(opts *options) (*redis.Client, error) {
	if opts.redisAddr == "" {
		return nil, fmt.Errorf("--redis-addr is required")
	}
	return redis.NewClient(&redis.Options{Addr: opts.redisAddr}), nil
}

// loadPolicies reads policies from the file when one is given and from the
// configured SQL or Redis source otherwise.
func loadPolicies(ctx context.Context, opts *options, file string) (*rls.Config, error) {
	if file != "" {
		cfg, err := rls.LoadFile(file)
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cfg := rls.NewConfigBuilder().Build()
	switch {
	case opts.dsn != "":
		db, closeDB, err := openDB(opts)
		if err != nil {
			return nil, err
		}
		defer closeDB()
		cfg.Policies, err = stores.NewSQLPolicySource(db).Load(ctx)
		if err != nil {
			return nil, err
		}
	case opts.redisAddr != "":
		client, err := openRedis(opts)
		if err != nil {
			return nil, err
		}
		defer client.Close()
		cfg.Policies, err = stores.NewRedisPolicySource(client, opts.redisKey).Load(ctx)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("a policy file, --dsn or --redis-addr is required")
	}
	return cfg, nil
}

func writeOutput(w io.Writer, format string, v any, table func(io.Writer)) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		out, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	case "table", "":
		table(w)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func fileArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
