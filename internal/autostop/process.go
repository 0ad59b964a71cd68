package autostop

import (
	"context"
	"fmt"
	"sort"

	"github.com/shirou/gopsutil/v3/process"
)

// RunningApp is a detected meeting application process
type RunningApp struct {
	Platform string
	Name     string
	PID      int32
}

// Detector reports meeting applications currently running
type Detector interface {
	Detect(ctx context.Context) ([]RunningApp, error)
}

type processInfo struct {
	pid  int32
	name string
}

// ProcessDetector matches the host's process table against a catalog
type ProcessDetector struct {
	catalog *Catalog
	list    func(ctx context.Context) ([]processInfo, error)
}

// NewProcessDetector creates a detector backed by the OS process table
func NewProcessDetector(catalog *Catalog) *ProcessDetector {
	return &ProcessDetector{catalog: catalog, list: listProcesses}
}

// Detect returns one entry per running meeting app process, ordered by platform
func (d *ProcessDetector) Detect(ctx context.Context) ([]RunningApp, error) {
	procs, err := d.list(ctx)
	if err != nil {
		return nil, err
	}

	var apps []RunningApp
	for _, p := range procs {
		if app, ok := d.catalog.Match(p.name); ok {
			apps = append(apps, RunningApp{Platform: app.Platform, Name: app.Name, PID: p.pid})
		}
	}
	sort.SliceStable(apps, func(i, j int) bool { return apps[i].Platform < apps[j].Platform })
	return apps, nil
}

func listProcesses(ctx context.Context) ([]processInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	infos := make([]processInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// exited between listing and lookup
			continue
		}
		infos = append(infos, processInfo{pid: p.Pid, name: name})
	}
	return infos, nil
}

// Platforms returns the distinct platforms in apps
func Platforms(apps []RunningApp) map[string]struct{} {
	set := make(map[string]struct{}, len(apps))
	for _, app := range apps {
		set[app.Platform] = struct{}{}
	}
	return set
}
