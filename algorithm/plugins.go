package algorithm

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"strings"
)

// ExportSymbol is the symbol name a plugin must export to publish algorithms:
//
//	var Algorithms = []*algorithm.Spec{...}
//
// Plugins are the cross-binary loading path; algorithms compiled into the
// server binary register directly with Register.
const ExportSymbol = "Algorithms"

// LoadPlugins opens every *.so under dir in lexical order and registers the
// specs each plugin exports through ExportSymbol. A plugin that exports no
// algorithm list is skipped with a warning; a spec that fails registration
// aborts the load, since a broken catalog at startup must be fatal rather
// than discovered on first request.
func (r *Registry) LoadPlugins(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read plugin dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".so") {
			continue
		}
		if err := r.LoadPlugin(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// LoadPlugin opens a single plugin file and registers its exported specs.
func (r *Registry) LoadPlugin(path string) error {
	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("open plugin %s: %w", path, err)
	}

	sym, err := p.Lookup(ExportSymbol)
	if err != nil {
		r.logger.Warn("plugin exports no algorithm list, skipping",
			"path", path, "symbol", ExportSymbol)
		return nil
	}

	specs, ok := sym.(*[]*Spec)
	if !ok {
		r.logger.Warn("plugin export has wrong type, skipping",
			"path", path, "symbol", ExportSymbol, "type", fmt.Sprintf("%T", sym))
		return nil
	}

	for _, spec := range *specs {
		if spec == nil {
			r.logger.Warn("plugin exported nil spec, skipping", "path", path)
			continue
		}
		if err := r.Register(spec); err != nil {
			return fmt.Errorf("plugin %s: %w", path, err)
		}
	}
	return nil
}
