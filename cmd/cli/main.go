package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/wadjakorntonsri/linkshort/pkg/app"
	"github.com/wadjakorntonsri/linkshort/pkg/config"
	"github.com/wadjakorntonsri/linkshort/pkg/core/domain"
	"github.com/wadjakorntonsri/linkshort/pkg/logging"
	"github.com/wadjakorntonsri/linkshort/pkg/ports"
)

const usage = "expected 'export', 'import' or 'reconcile' subcommands"

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.Load(".", "./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	// Logs go to stderr so export output stays clean JSON.
	log := logging.NewWithOutput(os.Stderr, cfg.AppEnv, cfg.LogLevel)

	if err := run(context.Background(), cfg, log, os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, args []string, stdout io.Writer) error {
	switch args[0] {
	case "export":
		repo, err := app.NewStore(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return fmt.Errorf("failed to connect to db: %w", err)
		}
		defer repo.Close()
		return doExport(ctx, repo, stdout)

	case "import":
		importCmd := flag.NewFlagSet("import", flag.ContinueOnError)
		importFile := importCmd.String("file", "", "JSON file to import")
		if err := importCmd.Parse(args[1:]); err != nil {
			return err
		}
		if *importFile == "" {
			importCmd.PrintDefaults()
			return errors.New("import requires -file")
		}

		file, err := os.Open(*importFile)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()

		repo, err := app.NewStore(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return fmt.Errorf("failed to connect to db: %w", err)
		}
		defer repo.Close()

		imported, skipped, err := doImport(ctx, repo, file, log)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"imported": imported, "skipped": skipped}).Info("import finished")
		return nil

	case "reconcile":
		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Scheduler.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "purged %d, cached %d, invalidated %d in %s\n",
			report.Purged, report.Cached, report.Invalidated, report.Duration)
		return nil

	default:
		return errors.New(usage)
	}
}

// doExport writes every stored link, stale ones included, as a JSON array.
func doExport(ctx context.Context, repo ports.LinkRepository, w io.Writer) error {
	links, err := repo.Dump(ctx)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(links); err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}
	return nil
}

// doImport inserts links from a doExport dump. Codes already present are
// skipped; ids are reassigned by the target store.
func doImport(ctx context.Context, repo ports.LinkRepository, r io.Reader, log logrus.FieldLogger) (imported, skipped int, err error) {
	var links []domain.Link
	if err := json.NewDecoder(r).Decode(&links); err != nil {
		return 0, 0, fmt.Errorf("decode failed: %w", err)
	}

	for i := range links {
		l := links[i]
		l.ID = 0
		err := repo.Create(ctx, &l)
		switch {
		case err == nil:
			imported++
		case errors.Is(err, domain.ErrConflict):
			log.WithField("code", l.ShortCode).Info("skipping existing code")
			skipped++
		default:
			return imported, skipped, fmt.Errorf("failed to import %s: %w", l.ShortCode, err)
		}
	}
	return imported, skipped, nil
}
