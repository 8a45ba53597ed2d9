package server

import (
	"log/slog"

	"github.com/jmorganca/stagediff/format"
)

// checkMemory warns when the configured device limit exceeds system memory.
func checkMemory(limit uint64) {
	total, err := systemMemory()
	if err != nil {
		slog.Debug("system memory unavailable", "error", err)
		return
	}

	slog.Info("system memory", "total", format.HumanMemory(int64(total)), "limit", format.HumanMemory(int64(limit)))
	if limit > total {
		slog.Warn("memory limit exceeds system memory", "limit", limit, "total", total)
	}
}
