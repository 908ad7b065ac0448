package config

import (
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/datahub/postoffice/internal/domain"
)

// routesFile is the on-disk shape of ORIGIN_ROUTES_FILE:
//
//	routes:
//	  Charges: charges.bundle.request
//	  TimeSeries: timeseries.bundle.request
type routesFile struct {
	Routes map[string]string `yaml:"routes"`
}

// DefaultOriginRoutes returns the request queue used for each origin when no
// routes file is configured.
func DefaultOriginRoutes() map[domain.Origin]string {
	routes := make(map[domain.Origin]string, len(domain.Origins))
	for _, o := range domain.Origins {
		routes[o] = strings.ToLower(string(o)) + ".bundle.request"
	}
	return routes
}

// LoadOriginRoutes reads the origin routing table from path. Entries in the
// file override the defaults; an empty path returns the defaults.
func LoadOriginRoutes(path string) (map[domain.Origin]string, error) {
	routes := DefaultOriginRoutes()
	if path == "" {
		return routes, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read origin routes: %w", err)
	}
	return parseOriginRoutes(raw, routes)
}

func parseOriginRoutes(raw []byte, routes map[domain.Origin]string) (map[domain.Origin]string, error) {
	var f routesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse origin routes: %w", err)
	}

	for name, queue := range f.Routes {
		origin := domain.ParseOrigin(name)
		if origin == domain.OriginUnknown {
			return nil, fmt.Errorf("origin routes: unknown origin %q", name)
		}
		if strings.TrimSpace(queue) == "" {
			return nil, fmt.Errorf("origin routes: empty queue for %q", name)
		}
		routes[origin] = strings.TrimSpace(queue)
	}
	return routes, nil
}
