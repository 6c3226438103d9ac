package gc

import (
	"context"
	"fmt"
	"github.com/Borislavv/display-queue/pkg/config"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
)

// Run periodically forces Go's garbage collector and tries to return freed pages back to the OS.
// ----------------------------------------------
// Why is this needed?
//
// This service runs next to a frame deadline. The steady-state heap is small
// and dominated by the pre-allocated frame pool, so organic heap growth is
// rare; by default Go's GC only runs a full collection once the heap grows
// by GOGC% (default 100%), which on a small stable heap can postpone
// collection almost indefinitely.
//
// Meanwhile layer snapshots, dump strings and per-flip bookkeeping produce a
// slow trickle of garbage. If no GC happens, that trickle accumulates and
// the process appears to "leak" memory.
//
// To prevent this, we force `runtime.GC()` on a short interval,
// and periodically call `debug.FreeOSMemory()` to push freed pages back to the OS.
// Both intervals are configurable in the config.
//
// Running the forced pass on our own schedule also keeps GC pauses off the
// vsync edge instead of letting them land wherever allocation pressure
// happens to trigger them.
func Run(ctx context.Context, cfg *config.Display) {
	go func() {
		// Force GC walk-through every cfg.Display.ForceGC.GCInterval
		gcTicker := time.NewTicker(cfg.Display.ForceGC.GCInterval)
		defer gcTicker.Stop()

		// Return free pages to OS every cfg.Display.ForceGC.FreeOsMemInterval
		freeOssMemTicker := time.NewTicker(cfg.Display.ForceGC.FreeOsMemInterval)
		defer freeOssMemTicker.Stop()

		log.Info().Msgf(
			"[force-GC] running with gcInterval=%s, freeOsMemInterval=%s",
			cfg.Display.ForceGC.GCInterval, cfg.Display.ForceGC.FreeOsMemInterval,
		)

		var lastAlloc uint64

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("[force-GC] stopped")
				return

			case <-gcTicker.C:
				var mem runtime.MemStats
				runtime.ReadMemStats(&mem)

				runtime.GC()

				log.Info().Msgf(
					"[force-GC] forced GC pass (last GC pass at: %s, pause: %s)",
					time.Unix(0, int64(mem.LastGC)).Format(time.RFC3339Nano),
					lastGCPauseNs(mem.PauseNs),
				)

				lastAlloc = mem.Alloc
			case <-freeOssMemTicker.C:
				var mem runtime.MemStats
				runtime.ReadMemStats(&mem)

				if lastAlloc == 0 {
					lastAlloc = mem.Alloc
					continue
				}

				debug.FreeOSMemory() // use madvise(DONTNEED) under the hood

				log.Info().Msgf(
					"[force-GC] forcing flush of freed memory to OS (alloc was %s, now %s)",
					fmtBytes(lastAlloc), fmtBytes(mem.Alloc),
				)

				lastAlloc = mem.Alloc
			}
		}
	}()
}

// fmtBytes formats a byte count to a human-readable string.
func fmtBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func lastGCPauseNs(pauses [256]uint64) time.Duration {
	for i := 255; i >= 0; i-- {
		if pauses[i] > 0 {
			return time.Duration(pauses[i])
		}
	}
	return time.Duration(0)
}
