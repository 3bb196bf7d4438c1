// Package template loads the single pass template configured for a
// deployment: its image assets and the pass.json skeleton that member data
// is merged into.
package template

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/sensiblebit/passkit/internal/passerr"
)

// Skeleton file names, checked in this order.
const (
	PassJSONFile     = "pass.json"
	TemplateYAMLFile = "template.yaml"
)

// Skeleton sources reported by Template.SkeletonSource.
const (
	SourcePassJSON = PassJSONFile
	SourceYAML     = TemplateYAMLFile
	SourceBuiltin  = "builtin"
)

// maxAssetSize bounds a single image. Wallet rejects passes far smaller.
const maxAssetSize = 5 * 1024 * 1024

// RequiredAssets must exist in every template directory.
var RequiredAssets = []string{"icon.png", "icon@2x.png", "logo.png"}

// OptionalAssets are packaged when present.
var OptionalAssets = []string{"strip.png", "strip@2x.png", "logo@2x.png", "icon@3x.png"}

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

//go:embed default_pass.json
var defaultPassJSON []byte

// Template is a loaded pass template. It is read-only after Load.
type Template struct {
	Dir string
	// Assets maps archive file names to image bytes.
	Assets         map[string][]byte
	skeleton       map[string]any
	SkeletonSource string
}

// Load reads the template in dir. A missing required image fails with
// passerr.KindMissingAsset naming the file.
func Load(dir string) (*Template, error) {
	const op = "template.Load"

	info, err := os.Stat(dir)
	if err != nil {
		return nil, passerr.New(passerr.KindConfiguration, op, fmt.Sprintf("template dir %q", dir), err)
	}
	if !info.IsDir() {
		return nil, passerr.New(passerr.KindConfiguration, op, fmt.Sprintf("template path %q is not a directory", dir), nil)
	}

	t := &Template{Dir: dir, Assets: make(map[string][]byte)}

	for _, name := range RequiredAssets {
		data, err := readAsset(dir, name)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, passerr.New(passerr.KindMissingAsset, op, name, fmt.Errorf("required image missing in %s", dir))
		}
		if err != nil {
			return nil, passerr.New(passerr.KindMissingAsset, op, name, err)
		}
		t.Assets[name] = data
	}
	for _, name := range OptionalAssets {
		data, err := readAsset(dir, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, passerr.New(passerr.KindMissingAsset, op, name, err)
		}
		t.Assets[name] = data
	}

	t.skeleton, t.SkeletonSource, err = loadSkeleton(dir)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func readAsset(dir, name string) ([]byte, error) {
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxAssetSize {
		return nil, fmt.Errorf("image is %d bytes, limit is %d", info.Size(), maxAssetSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	if !bytes.HasPrefix(data, pngMagic) {
		return nil, errors.New("not a PNG image")
	}
	return data, nil
}

func loadSkeleton(dir string) (map[string]any, string, error) {
	const op = "template.LoadSkeleton"

	data, err := os.ReadFile(filepath.Join(dir, PassJSONFile))
	if err == nil {
		var skel map[string]any
		if err := json.Unmarshal(data, &skel); err != nil {
			return nil, "", passerr.New(passerr.KindConfiguration, op, PassJSONFile, fmt.Errorf("parsing JSON: %w", err))
		}
		return skel, SourcePassJSON, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, "", passerr.New(passerr.KindConfiguration, op, PassJSONFile, err)
	}

	data, err = os.ReadFile(filepath.Join(dir, TemplateYAMLFile))
	if err == nil {
		skel, err := parseYAMLSkeleton(data)
		if err != nil {
			return nil, "", passerr.New(passerr.KindConfiguration, op, TemplateYAMLFile, err)
		}
		return skel, SourceYAML, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, "", passerr.New(passerr.KindConfiguration, op, TemplateYAMLFile, err)
	}

	skel, err := DefaultSkeleton()
	if err != nil {
		return nil, "", passerr.New(passerr.KindInternal, op, "builtin skeleton", err)
	}
	return skel, SourceBuiltin, nil
}

// parseYAMLSkeleton decodes YAML and round-trips it through JSON so the
// result has the same value types as a pass.json skeleton.
func parseYAMLSkeleton(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if raw == nil {
		return nil, errors.New("empty template")
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("template must use string keys only: %w", err)
	}
	var skel map[string]any
	if err := json.Unmarshal(normalized, &skel); err != nil {
		return nil, fmt.Errorf("normalizing YAML: %w", err)
	}
	return skel, nil
}

// DefaultSkeleton returns a fresh copy of the built-in store card layout.
func DefaultSkeleton() (map[string]any, error) {
	var skel map[string]any
	if err := json.Unmarshal(defaultPassJSON, &skel); err != nil {
		return nil, fmt.Errorf("parsing builtin skeleton: %w", err)
	}
	return skel, nil
}

// Skeleton returns a deep copy of the manifest skeleton that the caller may
// mutate freely.
func (t *Template) Skeleton() map[string]any {
	return deepCopy(t.skeleton).(map[string]any)
}

// AssetNames returns the packaged image names in sorted order.
func (t *Template) AssetNames() []string {
	names := make([]string, 0, len(t.Assets))
	for name := range t.Assets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return val
	}
}
