package autostop

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed meeting_apps.yaml
var defaultCatalog []byte

// App is a meeting application and the process names it runs as
type App struct {
	Platform  string   `yaml:"platform"`
	Name      string   `yaml:"name"`
	Processes []string `yaml:"processes"`
}

// Catalog maps process names to meeting platforms
type Catalog struct {
	Apps []App `yaml:"apps"`

	byProcess map[string]App
}

// DefaultCatalog returns the built-in catalog
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(bytes.NewReader(defaultCatalog))
}

// LoadCatalog reads a catalog file, or the built-in catalog when path is empty
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open meeting app catalog: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// ParseCatalog decodes and validates a YAML catalog. Unknown fields are rejected.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode meeting app catalog: %w", err)
	}

	c.byProcess = make(map[string]App)
	for i, app := range c.Apps {
		if app.Platform == "" {
			return nil, fmt.Errorf("meeting app %d: platform is required", i)
		}
		if len(app.Processes) == 0 {
			return nil, fmt.Errorf("meeting app %q: at least one process name is required", app.Platform)
		}
		if app.Name == "" {
			c.Apps[i].Name = app.Platform
		}
		for _, p := range app.Processes {
			c.byProcess[normalizeProcessName(p)] = c.Apps[i]
		}
	}
	return &c, nil
}

// Match returns the app a process name belongs to
func (c *Catalog) Match(processName string) (App, bool) {
	app, ok := c.byProcess[normalizeProcessName(processName)]
	return app, ok
}

func normalizeProcessName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".exe")
}
