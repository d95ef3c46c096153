package plugin

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/meshgate/internal/protocol"
)

const (
	supportedProtocol = protocol.Version
	// ManifestFilename is the descriptor file looked for in each plugin directory.
	ManifestFilename = "manifest.yaml"
)

var (
	validate    = validator.New()
	namePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// Index holds discovered descriptors indexed by name.
type Index struct {
	descriptors map[string]*Descriptor
	// Failed records manifests that could not be loaded, keyed by path.
	Failed map[string]error
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{
		descriptors: make(map[string]*Descriptor),
		Failed:      make(map[string]error),
	}
}

// Get retrieves a descriptor by name.
func (x *Index) Get(name string) (*Descriptor, bool) {
	d, ok := x.descriptors[name]
	return d, ok
}

// All returns the descriptors sorted by name.
func (x *Index) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(x.descriptors))
	for _, d := range x.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Add registers a descriptor.
func (x *Index) Add(d *Descriptor) error {
	if _, exists := x.descriptors[d.Name]; exists {
		return fmt.Errorf("plugin %q already registered", d.Name)
	}
	x.descriptors[d.Name] = d
	return nil
}

// DiscoverMany scans plugin roots for manifest.yaml files and validates them.
// Roots are processed in input order; duplicate plugin names keep the first
// discovered plugin. Invalid manifests are logged and recorded in Failed.
func DiscoverMany(pluginRoots []string, logger func(level, msg string, args ...any)) (*Index, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absRoots, err := resolveRoots(pluginRoots)
	if err != nil {
		return nil, err
	}

	index := NewIndex()
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != ManifestFilename {
				return nil
			}

			desc, err := LoadDescriptor(path, absRoots)
			if err != nil {
				index.Failed[path] = err
				logger("warn", "failed to load plugin", "root", root, "path", filepath.Dir(path), "error", err.Error())
				return nil
			}

			if err := index.Add(desc); err != nil {
				existing, _ := index.Get(desc.Name)
				logger(
					"warn",
					"duplicate plugin ignored (keeping first discovered)",
					"plugin", desc.Name,
					"ignored_path", desc.Path,
					"kept_path", existing.Path,
				)
				return nil
			}

			logger("info", "discovered plugin", "plugin", desc.Name, "path", desc.Path, "version", desc.Version, "kind", desc.Kind)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin root %s: %w", root, err)
		}
	}

	return index, nil
}

func resolveRoots(pluginRoots []string) ([]string, error) {
	absRoots := make([]string, 0, len(pluginRoots))
	seenRoots := make(map[string]struct{}, len(pluginRoots))
	for _, root := range pluginRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve plugin root %q: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("plugin root does not exist: %s", absRoot)
			}
			return nil, fmt.Errorf("failed to stat plugin root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("plugin root is not a directory: %s", absRoot)
		}
		if _, ok := seenRoots[absRoot]; ok {
			continue
		}
		seenRoots[absRoot] = struct{}{}
		absRoots = append(absRoots, absRoot)
	}
	if len(absRoots) == 0 {
		return nil, fmt.Errorf("at least one plugin root is required")
	}
	return absRoots, nil
}

// LoadDescriptor reads, validates and trust-checks one manifest file.
func LoadDescriptor(manifestPath string, pluginRoots []string) (*Descriptor, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	desc, err := ParseDescriptor(data)
	if err != nil {
		return nil, err
	}

	pluginPath := filepath.Dir(manifestPath)
	sum := blake3.Sum256(data)
	desc.Path = pluginPath
	desc.ManifestPath = manifestPath
	desc.Checksum = hex.EncodeToString(sum[:])

	if desc.Kind == KindExec {
		if desc.Protocol != supportedProtocol {
			return nil, fmt.Errorf("unsupported protocol version %d (supported: %d)", desc.Protocol, supportedProtocol)
		}
		entrypointPath := filepath.Join(pluginPath, desc.Entrypoint)
		if err := validateTrustInRoots(entrypointPath, pluginPath, pluginRoots); err != nil {
			return nil, fmt.Errorf("trust validation failed: %w", err)
		}
		desc.Entrypoint = entrypointPath
	}
	return desc, nil
}

// validateDescriptor checks struct tags, then the rules tags cannot express.
func validateDescriptor(d *Descriptor) error {
	if err := validate.Struct(d); err != nil {
		return err
	}
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid plugin name %q (lowercase letters, digits, '-' and '_')", d.Name)
	}
	if strings.Contains(d.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", d.Entrypoint)
	}

	seenDeps := make(map[string]bool)
	for _, dep := range d.Dependencies {
		if dep.Name == d.Name {
			return fmt.Errorf("plugin %q depends on itself", d.Name)
		}
		if seenDeps[dep.Name] {
			return fmt.Errorf("duplicate dependency %q", dep.Name)
		}
		seenDeps[dep.Name] = true
	}

	for _, p := range d.Permissions {
		if !p.valid() {
			return fmt.Errorf("invalid permission %q (valid: send, broadcast, outbound, storage)", p)
		}
	}

	seen := make(map[string]bool)
	for _, h := range append(append(HandlerSpecs{}, d.Capabilities.Commands...), d.Capabilities.Keywords...) {
		key := strings.ToLower(h.Name)
		if seen[key] {
			return fmt.Errorf("duplicate handler name %q", h.Name)
		}
		seen[key] = true
		if !h.Wildcard && strings.ContainsAny(strings.TrimSpace(h.Match()), " \t") {
			return fmt.Errorf("handler %q pattern must be a single word", h.Name)
		}
	}
	for _, h := range d.Capabilities.Commands {
		if h.Wildcard {
			return fmt.Errorf("command %q cannot be a wildcard", h.Name)
		}
	}

	seenTasks := make(map[string]bool)
	for _, t := range d.Capabilities.Tasks {
		if seenTasks[t.Name] {
			return fmt.Errorf("duplicate task %q", t.Name)
		}
		seenTasks[t.Name] = true
		if _, err := ParseInterval(t.Every); err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
	}
	return nil
}

func validateTrustInRoots(entrypointPath, pluginPath string, pluginRoots []string) error {
	if len(pluginRoots) == 0 {
		return fmt.Errorf("no plugin roots configured")
	}

	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}

	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}

	inApprovedRoot := false
	for _, root := range pluginRoots {
		resolvedRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			return fmt.Errorf("failed to resolve plugin root symlink %s: %w", root, err)
		}
		if strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
			inApprovedRoot = true
			break
		}
	}
	if !inApprovedRoot {
		return fmt.Errorf("entrypoint %s is not under any configured plugin root", resolvedEntrypoint)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedPluginPath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedEntrypoint, resolvedPluginPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	pluginInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}
	if pluginInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}

	return nil
}

// ParseInterval converts task interval strings to durations. Accepts Go
// duration strings plus "hourly", "daily" and "weekly".
func ParseInterval(interval string) (time.Duration, error) {
	switch strings.TrimSpace(interval) {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule interval %q: %w", interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive: %q", interval)
	}
	return d, nil
}
