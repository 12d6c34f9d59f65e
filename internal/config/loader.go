package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
)

// LoadFile reads and resolves the preferences file at path. A missing file
// yields Default().
func LoadFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Settings{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes HCL source. filename is used in diagnostics only.
func LoadBytes(filename string, data []byte) (Settings, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, evalContext(os.Environ()), &cfg); err != nil {
		return Settings{}, fmt.Errorf("failed to decode config: %w", err)
	}
	s, err := cfg.Resolve()
	if err != nil {
		return Settings{}, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return s, nil
}

// evalContext exposes the process environment as env.NAME.
func evalContext(environ []string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || !hclIdentifier(k) {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}

func hclIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
