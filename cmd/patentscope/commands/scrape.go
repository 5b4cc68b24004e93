package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Klywood/Patentscope-scrapper/internal/browser"
	"github.com/Klywood/Patentscope-scrapper/internal/classification"
	"github.com/Klywood/Patentscope-scrapper/internal/collector"
	"github.com/Klywood/Patentscope-scrapper/internal/components/chrono"
	"github.com/Klywood/Patentscope-scrapper/internal/components/telemetry"
	"github.com/Klywood/Patentscope-scrapper/internal/dedup"
	"github.com/Klywood/Patentscope-scrapper/internal/extract"
	"github.com/Klywood/Patentscope-scrapper/internal/navigator"
	"github.com/Klywood/Patentscope-scrapper/internal/store"
	"github.com/Klywood/Patentscope-scrapper/lib/restyutil"
	"github.com/Klywood/Patentscope-scrapper/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const report_scrape_close_output = "scrape.close-output"

var scrapeLimit *int
var scrapeStartPage *int
var scrapeOutput *string
var scrapeFormat *string
var scrapeEvery *string
var scrapeDump *string
var scrapeNoProgress *bool

func init() {
	scrapeLimit = scrapeCmd.Flags().Int("limit", 0, "Stop requesting pages once this many new records are saved.")
	scrapeStartPage = scrapeCmd.Flags().Int("start-page", 0, "The first result page to collect.")
	scrapeOutput = scrapeCmd.Flags().String("output", "", "The csv file or sqlite dsn to append to.")
	scrapeFormat = scrapeCmd.Flags().String("format", "", "The output format, csv or sqlite.")
	scrapeEvery = scrapeCmd.Flags().String("every", "", "Repeat the scrape on a cron schedule until interrupted.")
	scrapeDump = scrapeCmd.Flags().String("dump-http", "", "Write every http exchange into this directory.")
	scrapeNoProgress = scrapeCmd.Flags().Bool("no-progress", false, "Log a line per page instead of drawing a progress bar.")
	rootCmd.AddCommand(scrapeCmd)
}

func applyScrapeFlags(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("limit") {
		cfg.Limit = *scrapeLimit
	}
	if flags.Changed("start-page") {
		cfg.StartPage = *scrapeStartPage
	}
	if flags.Changed("output") {
		cfg.Output.Path = *scrapeOutput
	}
	if flags.Changed("format") {
		cfg.Output.Format = *scrapeFormat
	}
	if flags.Changed("every") {
		cfg.Schedule = *scrapeEvery
	}
	if flags.Changed("dump-http") {
		cfg.DumpDir = *scrapeDump
	}
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape [--limit <n>] [--output <path>] [--every <cron spec>]",
	Short: "Collects new patent records from the result listing into the configured output.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		applyScrapeFlags(cmd, &cfg)

		clock, err := chrono.NewStandardImpl(cfg.Timezone)
		if err != nil {
			serviceutil.Fatal("failed to load timezone", err)
		}
		tel := telemetry.NewSlogAPI(nil)

		index, err := classification.Load(cfg.IndexPath, tel)
		if err != nil {
			serviceutil.Fatal("failed to load classification index (see `patentscope index build`)", err)
		}

		ledger, err := openLedger(cmd.Context(), cfg.Ledger, tel)
		if err != nil {
			serviceutil.Fatal("failed to open ledger", err)
		}

		s := scraper{
			cfg:     cfg,
			index:   index,
			ledger:  ledger,
			clock:   clock,
			tel:     tel,
			summary: os.Stdout,
		}
		if !*scrapeNoProgress {
			s.progress = os.Stderr
		}

		err = s.execute(cmd.Context())
		if err != nil {
			serviceutil.Fatal("scrape failed", err)
		}
	},
}

func openLedger(ctx context.Context, cfg LedgerConfig, tel telemetry.API) (dedup.Ledger, error) {
	if cfg.RedisAddr != "" {
		ledger, err := dedup.DialRedisLedger(ctx, cfg.RedisAddr, cfg.RedisKey)
		if err != nil {
			return nil, err
		}
		return ledger, nil
	}
	ledger, err := dedup.OpenFileLedger(cfg.Path, tel)
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

// openStorage returns the storage for `cfg` and the path it writes to.
func openStorage(cfg OutputConfig, clock chrono.API) (store.Storage, string, error) {
	if cfg.Format == FormatSQLite {
		storage, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, "", err
		}
		return storage, cfg.Path, nil
	}

	path := cfg.Path
	if path == "" {
		path = chrono.DatedName(clock, "patents", "csv")
	}
	storage, err := store.OpenCSV(path)
	if err != nil {
		return nil, "", err
	}
	return storage, path, nil
}

type scraper struct {
	cfg    Config
	index  classification.Index
	ledger dedup.Ledger
	clock  chrono.API
	tel    telemetry.API

	// summary receives the table printed after every run.
	summary io.Writer
	// progress receives the progress bar, nil logs a line per page instead.
	progress io.Writer
}

// run performs one collection with a fresh session and output.
func (s scraper) run(ctx context.Context) (collector.Result, string, error) {
	failed := collector.Result{State: collector.Failed}

	opts := browser.DocumentOptions{
		RequestsPerSecond: s.cfg.RequestsPerSecond,
		UserAgent:         s.cfg.UserAgent,
		DisableBypass:     s.cfg.DisableBypass,
	}
	if s.cfg.DumpDir != "" {
		dump, err := restyutil.NewFilesystemOutput(s.cfg.DumpDir)
		if err != nil {
			return failed, "", err
		}
		opts.Dump = dump
	}
	session, err := browser.NewDocumentSession(s.tel, opts)
	if err != nil {
		return failed, "", err
	}

	nav, err := navigator.New(session, s.cfg.navigator(), s.tel)
	if err != nil {
		return failed, "", err
	}

	storage, output, err := openStorage(s.cfg.Output, s.clock)
	if err != nil {
		return failed, "", err
	}
	defer func() {
		if err := storage.Close(); err != nil {
			s.tel.ReportWarning(report_scrape_close_output, err, output)
		}
	}()

	count, err := s.ledger.Len(ctx)
	if err != nil {
		return failed, output, err
	}
	slog.Info("starting scrape", "limit", s.cfg.Limit, "known", count, "output", output)

	controller, err := collector.New(
		nav,
		extract.New(session, s.cfg.Fields, s.cfg.Concurrency, s.tel),
		s.index,
		dedup.New(s.ledger, s.tel),
		storage,
		collector.Config{
			Limit:     s.cfg.Limit,
			StartPage: s.cfg.StartPage,
		},
		s.clock,
		s.tel,
	)
	if err != nil {
		return failed, output, err
	}
	controller.OnBatch = s.onBatch()

	result, err := controller.Run(ctx)
	return result, output, err
}

func (s scraper) onBatch() func(collector.Progress) {
	if s.progress == nil {
		return func(p collector.Progress) {
			slog.Info(
				"saved batch",
				"page", p.Page,
				"saved", fmt.Sprintf("%d of %d", p.Admitted, p.Limit),
				"percent", fmt.Sprintf("%.1f%%", float64(p.Admitted)*100/float64(p.Limit)),
				"elapsed", p.Elapsed.Round(time.Second).String(),
			)
		}
	}

	bar := progressbar.NewOptions(s.cfg.Limit,
		progressbar.OptionSetWriter(s.progress),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("[cyan][bold]Collecting patents...[reset]"),
		progressbar.OptionOnCompletion(func() {
			if _, err := fmt.Fprintln(s.progress); err != nil {
				slog.Warn("failed to write newline after progress bar", "err", err)
			}
		}),
	)
	return func(p collector.Progress) {
		if err := bar.Set(min(p.Admitted, p.Limit)); err != nil {
			slog.Warn("failed to update progress bar", "err", err)
		}
	}
}

// execute runs once or on the configured schedule, then closes the ledger.
func (s scraper) execute(ctx context.Context) error {
	var err error
	if s.cfg.Schedule != "" {
		err = s.runScheduled(ctx, s.cfg.Schedule)
	} else {
		_, err = s.runOnce(ctx)
	}

	closeErr := s.ledger.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("close ledger: %w", closeErr)
	}
	return errors.Join(err, closeErr)
}

// runOnce runs a single collection and prints its summary.
func (s scraper) runOnce(ctx context.Context) (collector.Result, error) {
	result, output, err := s.run(ctx)
	renderSummary(s.summary, result, output, err)
	return result, err
}

// runScheduled runs a collection on every tick of `spec` until ctx is done.
// A run still in progress when the next tick comes delays nothing, that tick is skipped.
func (s scraper) runScheduled(ctx context.Context, spec string) error {
	cron := chrono.NewStandardCron(s.clock, s.tel)
	err := cron.Cron(spec, func() {
		_, err := s.runOnce(ctx)
		if err != nil {
			slog.Error("scheduled scrape failed", "err", err, "outcome", collector.Classify(err))
		}
	})
	if err != nil {
		<-cron.Stop().Done()
		return fmt.Errorf("%w: schedule %q: %v", navigator.ErrConfiguration, spec, err)
	}

	slog.Info("scrape scheduled", "schedule", spec)
	<-ctx.Done()
	<-cron.Stop().Done()
	return nil
}

func renderSummary(w io.Writer, result collector.Result, output string, err error) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"State", "Pages", "Last page", "Saved", "Duplicates", "Failed items", "Elapsed", "Outcome", "Output"})
	t.AppendRow(table.Row{
		result.State,
		result.Pages,
		result.LastPage,
		result.Admitted,
		result.Duplicates,
		result.ExtractionFailures,
		result.Elapsed.Round(time.Second),
		collector.Classify(err),
		output,
	})
	t.SetStyle(table.StyleRounded)
	t.Render()
}
