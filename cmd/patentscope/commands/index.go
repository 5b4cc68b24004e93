package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/Klywood/Patentscope-scrapper/internal/classification"
	"github.com/Klywood/Patentscope-scrapper/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

var indexDir *string
var indexOut *string

func init() {
	indexDir = indexBuildCmd.Flags().String("dir", "classes", "The directory of IPC title files (code<TAB>title lines).")
	indexOut = indexBuildCmd.Flags().String("out", "IPC.json", "The classification index to write.")
	indexCmd.AddCommand(indexBuildCmd)
	rootCmd.AddCommand(indexCmd)
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manages the classification index used to derive keywords.",
}

var indexBuildCmd = &cobra.Command{
	Use:   "build [--dir <path/to/titles>] [--out <path/to/IPC.json>]",
	Short: "Builds the classification index from IPC title files.",
	Run: func(cmd *cobra.Command, args []string) {
		n, err := buildIndex(*indexDir, *indexOut)
		if err != nil {
			serviceutil.Fatal("failed to build classification index", err)
		}
		slog.Info("wrote classification index", "path", *indexOut, "entries", n)
	},
}

func buildIndex(dir, out string) (int, error) {
	entries, err := classification.BuildDir(dir)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("no classification entries found in %s", dir)
	}

	f, err := os.Create(out)
	if err != nil {
		return 0, err
	}
	err = classification.Write(f, entries)
	if err != nil {
		f.Close()
		return 0, err
	}
	return len(entries), f.Close()
}
