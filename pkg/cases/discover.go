package cases

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testbench/pkg/config"
)

// Discoverer produces the ordered list of cases for a run.
type Discoverer interface {
	Discover(ctx context.Context) ([]*Case, error)
}

// Compile-time interface checks.
var (
	_ Discoverer = (*PrefixDiscoverer)(nil)
	_ Discoverer = (*GlobDiscoverer)(nil)
)

// NewDiscoverer creates the discoverer selected by cfg.Discovery.
func NewDiscoverer(log logrus.FieldLogger, cfg *config.SuiteConfig) (Discoverer, error) {
	log = log.WithField("component", "cases")

	switch cfg.Discovery {
	case config.DiscoveryPrefix, "":
		prefix := cfg.Prefix
		if prefix == "" {
			prefix = config.DefaultCasePrefix
		}

		return &PrefixDiscoverer{log: log, Root: cfg.Root, Prefix: prefix, Filter: cfg.Filter}, nil
	case config.DiscoveryGlob:
		return &GlobDiscoverer{log: log, Root: cfg.Root, Patterns: cfg.Patterns, Filter: cfg.Filter}, nil
	default:
		return nil, fmt.Errorf("unknown discovery strategy %q", cfg.Discovery)
	}
}

// PrefixDiscoverer treats every directory directly under Root whose name
// starts with Prefix as a case.
type PrefixDiscoverer struct {
	log    logrus.FieldLogger
	Root   string
	Prefix string
	Filter string
}

// Discover lists matching directories in lexicographic order.
func (d *PrefixDiscoverer) Discover(ctx context.Context) ([]*Case, error) {
	if err := checkRoot(d.Root); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", d.Root, err)
	}

	dirs := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), d.Prefix) {
			dirs = append(dirs, filepath.Join(d.Root, e.Name()))
		}
	}

	return loadAll(ctx, d.log, dirs, d.Filter)
}

// GlobDiscoverer treats every directory matching one of Patterns
// (relative to Root) as a case.
type GlobDiscoverer struct {
	log      logrus.FieldLogger
	Root     string
	Patterns []string
	Filter   string
}

// Discover expands the patterns and returns unique directories in
// lexicographic order.
func (d *GlobDiscoverer) Discover(ctx context.Context) ([]*Case, error) {
	if err := checkRoot(d.Root); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, 32)
	dirs := make([]string, 0, 32)

	for _, pattern := range d.Patterns {
		matches, err := filepath.Glob(filepath.Join(d.Root, pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}

		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.IsDir() {
				continue
			}

			if _, dup := seen[m]; dup {
				continue
			}

			seen[m] = struct{}{}
			dirs = append(dirs, m)
		}
	}

	return loadAll(ctx, d.log, dirs, d.Filter)
}

func checkRoot(root string) error {
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		return fmt.Errorf("base directory %q does not exist", root)
	}

	if err != nil {
		return fmt.Errorf("checking base directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("base directory %q is not a directory", root)
	}

	return nil
}

// loadAll sorts dirs, applies the substring filter and loads each case.
// Descriptor errors are attached to the case rather than failing discovery.
func loadAll(ctx context.Context, log logrus.FieldLogger, dirs []string, filter string) ([]*Case, error) {
	sort.Strings(dirs)

	out := make([]*Case, 0, len(dirs))

	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if filter != "" && !strings.Contains(filepath.Base(dir), filter) {
			continue
		}

		c, err := Load(dir)
		if err != nil {
			log.WithError(err).WithField("case", c.Name).Warn("Invalid case configuration")
			c.LoadErr = err
		}

		if !c.Satisfiable() {
			log.WithFields(logrus.Fields{
				"case":    c.Name,
				"missing": c.MissingTools,
			}).Debug("Case has unmet tool prerequisites")
		}

		out = append(out, c)
	}

	log.WithField("count", len(out)).Info("Discovered test cases")

	return out, nil
}
