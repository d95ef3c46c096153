package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file, or from config.yaml when configPath
// is a directory. Included files are merged first, in order; the including
// file overrides them. Defaults fill whatever no file sets.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	l := &treeLoader{active: make(map[string]bool), seen: make(map[string]bool)}
	tree, err := l.load(absPath)
	if err != nil {
		return nil, err
	}

	if err := verifyAllConfigHashes(l.files); err != nil {
		return nil, err
	}

	cfg, err := decode(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", absPath, err)
	}
	cfg.ConfigDir = filepath.Dir(absPath)
	cfg.SourceFiles = l.files
	resolvePaths(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations:
// $MESHGATE_CONFIG, ~/.config/meshgate, /etc/meshgate, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv("MESHGATE_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "meshgate")
		if _, err := os.Stat(filepath.Join(userConfigDir, "config.yaml")); err == nil {
			return userConfigDir, nil
		}
	}

	if _, err := os.Stat("/etc/meshgate/config.yaml"); err == nil {
		return "/etc/meshgate", nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $MESHGATE_CONFIG, ~/.config/meshgate, /etc/meshgate, ./config.yaml)")
}

// DiscoverAllConfigFiles returns absolute paths to every file in the include
// tree, root first.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}
	l := &treeLoader{active: make(map[string]bool), seen: make(map[string]bool)}
	if _, err := l.load(absPath); err != nil {
		return nil, err
	}
	return l.files, nil
}

func resolveRoot(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// treeLoader walks an include tree. active holds the files on the current
// include path, for cycle detection; seen dedupes the file list.
type treeLoader struct {
	active map[string]bool
	seen   map[string]bool
	files  []string
}

func (l *treeLoader) load(absPath string) (map[string]any, error) {
	l.active[absPath] = true
	defer delete(l.active, absPath)
	if !l.seen[absPath] {
		l.seen[absPath] = true
		l.files = append(l.files, absPath)
	}

	own, includes, err := readTree(absPath)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any)
	baseDir := filepath.Dir(absPath)
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		resolved := includePath
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, resolved)
		}
		abs, err := filepath.Abs(resolved)
		if err != nil {
			return nil, fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}
		if l.active[abs] {
			return nil, fmt.Errorf("include[%d]: circular dependency detected: %s", i, abs)
		}
		if _, err := os.Stat(abs); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, abs, absPath)
			}
			return nil, fmt.Errorf("include[%d]: failed to access file %s: %w", i, abs, err)
		}

		sub, err := l.load(abs)
		if err != nil {
			return nil, fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		mergeTree(merged, sub)
	}
	mergeTree(merged, own)
	return merged, nil
}

// readTree parses one file into a generic tree with env vars interpolated.
// The include list is split out of the tree.
func readTree(path string) (map[string]any, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read file: %w", err)
	}

	tree := make(map[string]any)
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &tree); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}

	var includes []string
	if raw, ok := tree["include"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, nil, fmt.Errorf("%s: include must be a list of paths", path)
		}
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, nil, fmt.Errorf("%s: include[%d] must be a string", path, i)
			}
			includes = append(includes, s)
		}
		delete(tree, "include")
	}
	return tree, includes, nil
}

// mergeTree merges src into dst. Nested maps merge key by key; any other
// value in src replaces the one in dst.
func mergeTree(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeTree(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
}

// decode lays the merged tree over Defaults. Unknown keys are errors.
func decode(tree map[string]any) (*Config, error) {
	data, err := yaml.Marshal(tree)
	if err != nil {
		return nil, err
	}
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	if cfg.Plugins == nil {
		cfg.Plugins = make(map[string]PluginConf)
	}
	return cfg, nil
}

// resolvePaths anchors relative filesystem paths at the config directory.
func resolvePaths(cfg *Config) {
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(cfg.ConfigDir, p)
	}
	cfg.State.Path = anchor(cfg.State.Path)
	cfg.Service.LockPath = anchor(cfg.Service.LockPath)
	for i, root := range cfg.PluginRoots {
		cfg.PluginRoots[i] = anchor(root)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validation where they
// would leak into credentials.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
