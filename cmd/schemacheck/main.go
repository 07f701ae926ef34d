// Command schemacheck validates a schema document and, with --connect,
// builds the engine against the configured database.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"relengine/internal/app"
	"relengine/internal/config"
	"relengine/internal/engineerr"
	"relengine/internal/schema"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("schemacheck failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("schemacheck", pflag.ContinueOnError)
	config.DefineFlags(fs)
	showVersion := fs.Bool("version", false, "Print version and exit")
	connect := fs.Bool("connect", false, "Also connect to the database and build the engine")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintf(out, "schemacheck %s (%s)\n", Version, Commit)
		return nil
	}
	if fs.NArg() > 0 {
		if err := fs.Set("schema.file", fs.Arg(0)); err != nil {
			return err
		}
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}
	if cfg.Schema.File == "" {
		return errors.New("no schema file given (pass a path or --schema.file)")
	}

	reg, err := schema.LoadFile(cfg.Schema.File)
	if err != nil {
		var schemaErr *engineerr.SchemaError
		if errors.As(err, &schemaErr) {
			for _, issue := range schemaErr.Issues {
				fmt.Fprintf(out, "error: %s\n", issue)
			}
			return fmt.Errorf("%s: %d schema issue(s)", cfg.Schema.File, len(schemaErr.Issues))
		}
		return err
	}
	describe(out, reg)

	if !*connect {
		return nil
	}
	return connectEngine(cfg, out)
}

// describe prints one line per entity followed by its relations.
func describe(out io.Writer, reg *schema.Registry) {
	for _, e := range reg.Entities() {
		fmt.Fprintf(out, "%s (%s) key=[%s] fields=%d\n", e.Name, e.Table, strings.Join(e.PrimaryKey, ","), len(e.Fields))
		for _, rel := range e.Relations {
			target := reg.Target(&rel)
			flags := ""
			if !rel.Optional {
				flags = " required"
			}
			fmt.Fprintf(out, "  %s -> %s %s%s\n", rel.Name, target.Name, rel.Cardinality, flags)
		}
	}
}

func connectEngine(cfg *config.Config, out io.Writer) error {
	result := cfg.Validate()
	for _, warn := range result.Warnings {
		slog.Warn("configuration warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
			slog.String("hint", warn.Hint),
		)
	}
	if result.HasErrors() {
		for _, err := range result.Errors {
			fmt.Fprintf(out, "config error: %s\n", err)
		}
		return fmt.Errorf("configuration validation failed")
	}

	ctx := context.Background()
	logger, loggerProvider, err := app.InitLogger(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	a.AttachLoggerProvider(loggerProvider)
	defer a.Shutdown(context.Background())

	if err := a.Init(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "engine ready on %s\n", cfg.Database.Driver)
	return nil
}
