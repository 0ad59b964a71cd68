package autostop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("Failed to parse default catalog: %v", err)
	}

	tests := []struct {
		process  string
		platform string
		found    bool
	}{
		{"zoom.us", "zoom", true},
		{"Zoom.exe", "zoom", true},
		{"ms-teams", "teams", true},
		{"MSTeams.EXE", "teams", true},
		{"Webex", "webex", true},
		{"bash", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		app, ok := c.Match(tt.process)
		if ok != tt.found {
			t.Errorf("Match(%q): expected found=%v, got %v", tt.process, tt.found, ok)
			continue
		}
		if ok && app.Platform != tt.platform {
			t.Errorf("Match(%q): expected %q, got %q", tt.process, tt.platform, app.Platform)
		}
	}
}

func TestParseCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "apps:\n  - platform: zoom\n    processes: [zoom]\n    icon: z.png\n"},
		{"missing platform", "apps:\n  - name: Zoom\n    processes: [zoom]\n"},
		{"missing processes", "apps:\n  - platform: zoom\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCatalog(strings.NewReader(tt.yaml)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadCatalog_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apps.yaml")
	data := "apps:\n  - platform: jitsi\n    processes: [\"Jitsi Meet\"]\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("Failed to load catalog: %v", err)
	}
	app, ok := c.Match("jitsi meet")
	if !ok || app.Name != "jitsi" {
		t.Errorf("Expected jitsi with name defaulted to platform, got %+v (%v)", app, ok)
	}
	if _, ok := c.Match("zoom"); ok {
		t.Error("Expected file catalog to replace the default")
	}

	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestProcessDetector(t *testing.T) {
	c, err := DefaultCatalog()
	if err != nil {
		t.Fatal(err)
	}
	d := NewProcessDetector(c)
	d.list = func(ctx context.Context) ([]processInfo, error) {
		return []processInfo{
			{pid: 1, name: "launchd"},
			{pid: 42, name: "zoom.us"},
			{pid: 7, name: "Slack"},
			{pid: 43, name: "CptHost"},
		}, nil
	}

	apps, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(apps) != 3 {
		t.Fatalf("Expected 3 matches, got %+v", apps)
	}
	if apps[0].Platform != "slack" || apps[1].Platform != "zoom" || apps[2].PID != 43 {
		t.Errorf("Expected matches ordered by platform, got %+v", apps)
	}
	if n := len(Platforms(apps)); n != 2 {
		t.Errorf("Expected 2 distinct platforms, got %d", n)
	}

	d.list = func(ctx context.Context) ([]processInfo, error) {
		return nil, errors.New("permission denied")
	}
	if _, err := d.Detect(context.Background()); err == nil {
		t.Error("Expected list error to propagate")
	}
}
