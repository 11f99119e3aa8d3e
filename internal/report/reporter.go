// Package report emits the periodic health line and the dry-run trade log.
// Pure observer: it never mutates trading state.
package report

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"saxotrader/pkg/types"
)

// Reporter snapshots process metrics and open positions.
type Reporter struct {
	proc   *process.Process
	logger *slog.Logger
}

// New binds the reporter to the current process.
func New(logger *slog.Logger) (*Reporter, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("process handle: %w", err)
	}
	return &Reporter{proc: proc, logger: logger.With("component", "report")}, nil
}

// LogHealth emits one line with CPU %, RSS MB, open position count, and
// entry/peak per position. positions is a copied-out snapshot.
func (r *Reporter) LogHealth(positions map[int]types.Position) {
	var cpuPct float64
	if v, err := r.proc.CPUPercent(); err == nil {
		cpuPct = v
	}

	var rssMB float64
	if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
		rssMB = float64(mem.RSS) / 1024 / 1024
	}

	uics := make([]int, 0, len(positions))
	for uic := range positions {
		uics = append(uics, uic)
	}
	sort.Ints(uics)

	tracking := make([]string, 0, len(uics))
	for _, uic := range uics {
		pos := positions[uic]
		tracking = append(tracking, fmt.Sprintf("uic:%d entry:%.2f peak:%.2f", uic, pos.EntryPrice, pos.PeakPrice))
	}

	r.logger.Info("health check",
		"cpu_pct", fmt.Sprintf("%.1f", cpuPct),
		"rss_mb", fmt.Sprintf("%.1f", rssMB),
		"positions", len(positions),
		"tracking", strings.Join(tracking, ", "),
	)
}

// LogSimulationTrade records a dry-run trade decision.
func (r *Reporter) LogSimulationTrade(side types.Side, uic int, price float64, reason string) {
	r.logger.Info("dry-run trade",
		"side", side,
		"uic", uic,
		"price", price,
		"reason", reason,
	)
}
