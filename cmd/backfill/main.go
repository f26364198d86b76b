// Command backfill runs a one-shot history import from the command line,
// for operators who want to load months of history without going through the
// daemon's API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/prabucki/energa-sync/pkg/backfill"
	"github.com/prabucki/energa-sync/pkg/energa"
	"github.com/prabucki/energa-sync/pkg/ledger"
	"github.com/prabucki/energa-sync/pkg/log"
	"github.com/prabucki/energa-sync/pkg/storage"
	"github.com/prabucki/energa-sync/pkg/types"
)

func main() {
	client := energa.Configured()
	db := storage.Configured()
	engine := backfill.Configured(client, db, ledger.New())

	startDate := lflag.String("start-date", "", "First day to import (YYYY-MM-DD)")
	daysFlag := lflag.String("days", "30", "Number of days to import")
	lflag.Configure()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	days, err := strconv.Atoi(*daysFlag)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid -days value", "error", err)
		os.Exit(1)
	}

	if err := client.Login(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "login failed", "error", err)
		os.Exit(1)
	}

	statuses, err := engine.Start(ctx, types.BackfillRequest{StartDate: *startDate, Days: days})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start import", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "import started", slog.Int("runs", len(statuses)))

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).WarnContext(ctx, "interrupted, import incomplete")
			os.Exit(1)
		case <-ticker.C:
		}

		runs := engine.Runs()
		done := true
		failed := false
		for _, r := range runs {
			log.Ctx(ctx).InfoContext(ctx, "import progress",
				slog.String("runID", r.ID),
				slog.String("state", string(r.State)),
				slog.Int("completed", r.DaysCompleted),
				slog.Int("failed", r.DaysFailed),
				slog.Int("total", r.Days))
			if r.State != types.RunStateDone {
				done = false
			}
			if r.Error != "" || r.DaysFailed > 0 {
				failed = true
			}
		}
		if !done {
			continue
		}
		if failed {
			log.Ctx(ctx).ErrorContext(ctx, "import finished with failures")
			os.Exit(1)
		}
		log.Ctx(ctx).InfoContext(ctx, "import finished")
		return
	}
}
