package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Klywood/Patentscope-scrapper/internal/extract"
	"github.com/Klywood/Patentscope-scrapper/internal/navigator"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "config.json5"))
	require.NoError(t, err)
	require.Equal(t, defaultConfig(), cfg)
	require.NoError(t, cfg.navigator().Validate())
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")

	err := os.WriteFile(path, []byte(`{
		// collect the newest filings first
		per_page: 100,
		sort: "appdate-desc",
		limit: 500,
		ledger: { redis_addr: "localhost:6379" },
		fields: {
			abstract: { selector: ".abstract-text" },
		},
	}`), 0644)
	if err != nil {
		t.Fatal(err)
	}
	err = os.WriteFile(filepath.Join(dir, "config.local.json5"), []byte(`{ limit: 50 }`), 0644)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 100, cfg.PerPage)
	require.Equal(t, "appdate-desc", cfg.Sort)
	require.Equal(t, 50, cfg.Limit)

	// untouched nested values keep their defaults
	require.Equal(t, "localhost:6379", cfg.Ledger.RedisAddr)
	require.Equal(t, "patentscope:ledger", cfg.Ledger.RedisKey)
	require.Equal(t, "ledger.txt", cfg.Ledger.Path)
	require.Equal(t, ".abstract-text", cfg.Fields.Abstract.Selector)
	require.Equal(t, extract.DefaultFields().Title, cfg.Fields.Title)
	require.Equal(t, navigator.DefaultSelectors(), cfg.Selectors)

	nav := cfg.navigator()
	require.Equal(t, cfg.SearchURL, nav.SearchURL)
	require.Equal(t, float64(20), nav.ReadyTimeout.Seconds())
}

func TestLoadConfigOutput(t *testing.T) {
	table := []struct {
		name   string
		config string
		ok     bool
	}{
		{name: "csv without path", config: `{ output: { format: "csv" } }`, ok: true},
		{name: "sqlite with path", config: `{ output: { format: "sqlite", path: "patents.db" } }`, ok: true},
		{name: "sqlite without path", config: `{ output: { format: "sqlite" } }`},
		{name: "unknown format", config: `{ output: { format: "xlsx" } }`},
	}

	for _, row := range table {
		t.Run(row.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json5")
			err := os.WriteFile(path, []byte(row.config), 0644)
			if err != nil {
				t.Fatal(err)
			}

			_, err = loadConfig(path)
			if row.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, navigator.ErrConfiguration)
		})
	}
}

func TestApplyScrapeFlags(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, scrapeCmd.Flags().Set("limit", "42"))
	require.NoError(t, scrapeCmd.Flags().Set("every", "@daily"))
	t.Cleanup(func() {
		scrapeCmd.Flags().Set("limit", "0")
		scrapeCmd.Flags().Set("every", "")
	})

	applyScrapeFlags(scrapeCmd, &cfg)
	require.Equal(t, 42, cfg.Limit)
	require.Equal(t, "@daily", cfg.Schedule)
	require.Equal(t, 1, cfg.StartPage)
	require.Equal(t, "", cfg.Output.Path)
}
