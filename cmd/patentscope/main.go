package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/Klywood/Patentscope-scrapper/cmd/patentscope/commands"
	"github.com/Klywood/Patentscope-scrapper/internal/components/telemetry"
	"github.com/Klywood/Patentscope-scrapper/lib/util/serviceutil"
)

func main() {
	ctx := serviceutil.SignalContext()

	otel, err := telemetry.SetupFromEnv(ctx, "patentscope")
	if err == nil {
		telemetry.InstrumentPerfStats(ctx, telemetry.NewSlogAPI(nil))
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			if err := otel.Shutdown(ctx); err != nil {
				slog.Warn("failed to flush telemetry", "err", err)
			}
		}()
	} else if !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to setup telemetry", "err", err)
	}

	commands.ExecuteContext(ctx)
}
