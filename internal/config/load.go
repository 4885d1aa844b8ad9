package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
)

// Load reads and validates the config file at path. An empty path yields
// the defaults. env is exposed to the file as env.<NAME>.
func Load(path string, env map[string]string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadHCL(data, path, env)
}

// LoadHCL decodes HCL source, applies defaults and validates the result.
func LoadHCL(data []byte, filename string, env map[string]string) (*Config, error) {
	// hclsimple picks the syntax from the extension.
	if ext := filepath.Ext(filename); ext != ".hcl" && ext != ".json" {
		filename += ".hcl"
	}

	var cfg Config
	if err := hclsimple.Decode(filename, data, EvalContext(env), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errs
	}
	return &cfg, nil
}

// EvalContext exposes env as the env object.
func EvalContext(env map[string]string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(env))
	for k, v := range env {
		vars[k] = cty.StringVal(v)
	}
	envVal := cty.EmptyObjectVal
	if len(vars) > 0 {
		envVal = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": envVal},
	}
}

// Environ returns the process environment overlaid on the KEY=VALUE pairs
// of dotenv, if that file exists. Process variables win.
func Environ(dotenv string) (map[string]string, error) {
	env := map[string]string{}
	if dotenv != "" {
		file, err := readDotenv(dotenv)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		for k, v := range file {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

func readDotenv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vars := map[string]string{}
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		vars[strings.TrimSpace(k)] = v
	}
	return vars, sc.Err()
}
