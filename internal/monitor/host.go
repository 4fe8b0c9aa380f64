package monitor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/logger"
)

const (
	defaultDiskInterval  = time.Minute
	defaultDiskWarning   = 85.0
	defaultDiskCritical  = 95.0
	defaultHysteresisPct = 5.0
	bytesPerMB           = 1024 * 1024
)

// HostFacts describes the machine the sensor runs on.
type HostFacts struct {
	OS              string
	Platform        string
	PlatformVersion string
	Kernel          string
	Arch            string
	CPU             string
	LogicalCores    int
	Features        []string
	MemoryMB        uint64
}

// CollectHostFacts gathers host information. Probes that fail leave their
// fields empty.
func CollectHostFacts() HostFacts {
	f := HostFacts{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		CPU:          cpuid.CPU.BrandName,
		LogicalCores: cpuid.CPU.LogicalCores,
	}
	if f.LogicalCores == 0 {
		f.LogicalCores = runtime.NumCPU()
	}
	// SIMD paths the raster code benefits from
	for _, feat := range []cpuid.FeatureID{cpuid.SSE2, cpuid.SSE4, cpuid.AVX2, cpuid.ASIMD} {
		if cpuid.CPU.Supports(feat) {
			f.Features = append(f.Features, feat.String())
		}
	}
	if info, err := host.Info(); err == nil {
		f.Platform = info.Platform
		f.PlatformVersion = info.PlatformVersion
		f.Kernel = info.KernelVersion
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		f.MemoryMB = vm.Total / bytesPerMB
	}
	return f
}

// Log writes the facts at info level.
func (f HostFacts) Log(log logger.Logger) {
	log.Info("host details",
		logger.String("os", f.OS),
		logger.String("platform", f.Platform),
		logger.String("platform_version", f.PlatformVersion),
		logger.String("kernel", f.Kernel),
		logger.String("arch", f.Arch),
		logger.String("cpu", f.CPU),
		logger.Int("logical_cores", f.LogicalCores),
		logger.String("cpu_features", strings.Join(f.Features, ",")),
		logger.Uint64("memory_mb", f.MemoryMB))
}

// CriticalPaths returns the directories the sensor writes to: the export
// directory, the SQLite database directory and the config directory.
func CriticalPaths(settings *conf.Settings) []string {
	var paths []string
	if settings.Export.Enabled && settings.Export.Path != "" {
		paths = append(paths, settings.Export.Path)
	}
	if settings.Output.SQLite.Enabled && settings.Output.SQLite.Path != "" {
		paths = append(paths, filepath.Dir(settings.Output.SQLite.Path))
	}
	if configPath, err := conf.FindConfigFile(); err == nil {
		paths = append(paths, filepath.Dir(configPath))
	}
	return deduplicatePaths(paths)
}

// deduplicatePaths cleans, absolutizes and deduplicates paths, keeping the
// first occurrence order.
func deduplicatePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = filepath.Clean(os.ExpandEnv(p))
		if !filepath.IsAbs(p) {
			if abs, err := filepath.Abs(p); err == nil {
				p = abs
			}
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// UsageFunc reports the used percentage of the filesystem holding path.
type UsageFunc func(path string) (float64, error)

func diskUsage(path string) (float64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}

// alertLevel is the state of one watched path.
type alertLevel int

const (
	levelOK alertLevel = iota
	levelWarning
	levelCritical
)

// DiskWatcher logs when a watched filesystem crosses the warning or critical
// usage level. A level is left only once usage drops the hysteresis margin
// below it.
type DiskWatcher struct {
	Paths      []string
	Interval   time.Duration
	Warning    float64
	Critical   float64
	Hysteresis float64
	Usage      UsageFunc

	mu     sync.Mutex
	levels map[string]alertLevel
	log    logger.Logger
}

// NewDiskWatcher watches paths with the default levels.
func NewDiskWatcher(paths []string) *DiskWatcher {
	return &DiskWatcher{
		Paths:      paths,
		Interval:   defaultDiskInterval,
		Warning:    defaultDiskWarning,
		Critical:   defaultDiskCritical,
		Hysteresis: defaultHysteresisPct,
		Usage:      diskUsage,
		levels:     make(map[string]alertLevel),
		log:        GetLogger().Module("disk"),
	}
}

// Run checks every Interval until ctx is done.
func (w *DiskWatcher) Run(ctx context.Context) error {
	if len(w.Paths) == 0 {
		return nil
	}
	w.Check()
	t := time.NewTicker(w.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.Check()
		}
	}
}

// Check samples every path once.
func (w *DiskWatcher) Check() {
	for _, p := range w.Paths {
		used, err := w.Usage(p)
		if err != nil {
			w.log.Debug("disk usage unavailable", logger.String("path", p), logger.Error(err))
			continue
		}
		w.update(p, used)
	}
}

func (w *DiskWatcher) update(path string, used float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.levels[path]
	next := prev
	switch {
	case used >= w.Critical:
		next = levelCritical
	case used >= w.Warning:
		if prev != levelCritical || used < w.Critical-w.Hysteresis {
			next = levelWarning
		}
	case used < w.Warning-w.Hysteresis:
		next = levelOK
	case prev == levelCritical:
		next = levelWarning
	}
	if next == prev {
		return
	}
	w.levels[path] = next

	fields := []logger.Field{
		logger.String("path", path),
		logger.Float64("used_percent", used),
	}
	switch next {
	case levelCritical:
		w.log.Error("disk usage critical", fields...)
	case levelWarning:
		w.log.Warn("disk usage high", fields...)
	default:
		w.log.Info("disk usage recovered", fields...)
	}
}

// Level reports the current level of path: "ok", "warning" or "critical".
func (w *DiskWatcher) Level(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.levels[path] {
	case levelCritical:
		return "critical"
	case levelWarning:
		return "warning"
	default:
		return "ok"
	}
}
