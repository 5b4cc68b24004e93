package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Klywood/Patentscope-scrapper/internal/extract"
	"github.com/Klywood/Patentscope-scrapper/internal/navigator"
	"github.com/Klywood/Patentscope-scrapper/lib/configutil"
)

const (
	FormatCSV    = "csv"
	FormatSQLite = "sqlite"
)

type LedgerConfig struct {
	// Path of the ledger file, ignored when RedisAddr is set.
	Path      string `json:"path"`
	RedisAddr string `json:"redis_addr"`
	RedisKey  string `json:"redis_key"`
}

type OutputConfig struct {
	// Format is either "csv" or "sqlite".
	Format string `json:"format"`
	// Path of the csv file or sqlite dsn, an empty csv path means patents_<dd-mm-yyyy>.csv.
	Path string `json:"path"`
}

type Config struct {
	SearchURL           string  `json:"search_url"`
	PerPage             int     `json:"per_page"`
	Sort                string  `json:"sort"`
	Limit               int     `json:"limit"`
	StartPage           int     `json:"start_page"`
	Concurrency         int     `json:"concurrency"`
	ReadyItems          int     `json:"ready_items"`
	OpenTimeoutSeconds  int     `json:"open_timeout_seconds"`
	ReadyTimeoutSeconds int     `json:"ready_timeout_seconds"`
	RequestsPerSecond   float64 `json:"requests_per_second"`
	UserAgent           string  `json:"user_agent"`
	DisableBypass       bool    `json:"disable_bypass"`
	// DumpDir receives every http exchange of the session when set.
	DumpDir   string `json:"dump_dir"`
	IndexPath string `json:"index_path"`

	Ledger LedgerConfig `json:"ledger"`
	Output OutputConfig `json:"output"`

	// Schedule is a cron spec, when set scrape runs on it until interrupted.
	Schedule string `json:"schedule"`
	// Timezone of the schedule and of dated output names, empty means local.
	Timezone string `json:"timezone"`

	Fields    extract.Fields      `json:"fields"`
	Selectors navigator.Selectors `json:"selectors"`
}

func defaultConfig() Config {
	return Config{
		SearchURL:           "https://patentscope.wipo.int/search/en/search.jsf",
		PerPage:             200,
		Sort:                "pubdate-desc",
		Limit:               200,
		StartPage:           1,
		Concurrency:         extract.DefaultConcurrency,
		ReadyItems:          5,
		OpenTimeoutSeconds:  5,
		ReadyTimeoutSeconds: 20,
		RequestsPerSecond:   2,
		IndexPath:           "IPC.json",
		Ledger: LedgerConfig{
			Path:     "ledger.txt",
			RedisKey: "patentscope:ledger",
		},
		Output: OutputConfig{
			Format: FormatCSV,
		},
		Fields:    extract.DefaultFields(),
		Selectors: navigator.DefaultSelectors(),
	}
}

// loadConfig reads `path` (and its .local override), a missing file means
// every option keeps its default.
func loadConfig(path string) (Config, error) {
	cfg, err := configutil.ReadConfig[Config](path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "path", path)
	} else if err != nil {
		return Config{}, err
	}

	cfg, err = configutil.WithDefaults(cfg, defaultConfig())
	if err != nil {
		return Config{}, err
	}
	if cfg.Output.Format != FormatCSV && cfg.Output.Format != FormatSQLite {
		return Config{}, fmt.Errorf("%w: output format must be %q or %q, got %q", navigator.ErrConfiguration, FormatCSV, FormatSQLite, cfg.Output.Format)
	}
	if cfg.Output.Format == FormatSQLite && cfg.Output.Path == "" {
		return Config{}, fmt.Errorf("%w: sqlite output requires output.path", navigator.ErrConfiguration)
	}
	return cfg, nil
}

func (c Config) navigator() navigator.Config {
	return navigator.Config{
		SearchURL:    c.SearchURL,
		PerPage:      c.PerPage,
		Sort:         c.Sort,
		ReadyItems:   c.ReadyItems,
		OpenTimeout:  time.Duration(c.OpenTimeoutSeconds) * time.Second,
		ReadyTimeout: time.Duration(c.ReadyTimeoutSeconds) * time.Second,
		Selectors:    c.Selectors,
	}
}
