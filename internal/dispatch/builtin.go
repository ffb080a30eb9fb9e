package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// RegisterBuiltins installs the handlers every deployment gets regardless of
// catalog contents.
func RegisterBuiltins(r *Registry, log *slog.Logger) error {
	if r == nil {
		return fmt.Errorf("nil registry")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := r.Register("sys", "info", sysInfoHandler(log)); err != nil {
		return err
	}
	if err := r.Register("sys", "clock", sysClockHandler()); err != nil {
		return err
	}
	if err := r.Register("chat", "echo", echoHandler()); err != nil {
		return err
	}
	return nil
}

// sysInfoHandler reports a host snapshot. Partial collection failures degrade to
// a smaller snapshot rather than failing the invocation.
func sysInfoHandler(log *slog.Logger) HandlerFunc {
	return func(ctx context.Context, params map[string]any) (any, error) {
		out := map[string]any{
			"platform":     runtime.GOOS,
			"architecture": runtime.GOARCH,
			"timestamp_ms": time.Now().UnixMilli(),
		}

		if info, err := host.InfoWithContext(ctx); err == nil && info != nil {
			out["hostname"] = info.Hostname
			out["os"] = info.Platform
			out["os_version"] = info.PlatformVersion
			out["uptime_seconds"] = info.Uptime
		} else if err != nil {
			log.Warn("sys/info: host info failed", "error", err)
		}

		if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
			out["cpu_cores"] = cores
		} else {
			log.Warn("sys/info: cpu cores failed", "error", err)
		}

		if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
			out["load_average"] = []float64{avg.Load1, avg.Load5, avg.Load15}
		} else if err != nil {
			log.Warn("sys/info: load average failed", "error", err)
		}

		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
			out["memory_total_bytes"] = vm.Total
			out["memory_used_percent"] = vm.UsedPercent
		} else if err != nil {
			log.Warn("sys/info: virtual memory failed", "error", err)
		}

		return out, nil
	}
}

func sysClockHandler() HandlerFunc {
	return func(ctx context.Context, params map[string]any) (any, error) {
		now := time.Now()
		loc := now.Location().String()
		if tz, ok := params["timezone"].(string); ok && tz != "" {
			parsed, err := time.LoadLocation(tz)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
			}
			now = now.In(parsed)
			loc = tz
		}
		return map[string]any{
			"iso":      now.Format(time.RFC3339),
			"unix_ms":  now.UnixMilli(),
			"timezone": loc,
		}, nil
	}
}

// echoHandler mirrors its params back, used to exercise the tool loop end to end.
func echoHandler() HandlerFunc {
	return func(ctx context.Context, params map[string]any) (any, error) {
		return map[string]any{"echo": params}, nil
	}
}
