package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// extendsKey names the parent file a config layers on top of.
const extendsKey = "extends"

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${NAME} references with environment values. Unset
// variables expand to the default after ":-", or to nothing.
func ExpandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok && value != "" {
			return value
		}
		return groups[2]
	})
}

// LoadDotEnv loads variables from the given .env files without
// overriding the ones already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// LoadRaw reads the config file at path into a raw map. A file may name a
// parent with "extends: <path>", resolved relative to itself; the chain is
// read parent first and each child overrides the keys it sets.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}

	var layers []map[string]any
	visited := map[string]bool{}
	for next := path; next != ""; {
		abs, err := filepath.Abs(next)
		if err != nil {
			return nil, err
		}
		if visited[abs] {
			return nil, fmt.Errorf("config extends cycle at %s", abs)
		}
		visited[abs] = true

		layer, parent, err := readLayer(abs)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
		if parent != "" && !filepath.IsAbs(parent) {
			parent = filepath.Join(filepath.Dir(abs), parent)
		}
		next = parent
	}

	merged := map[string]any{}
	for i := len(layers) - 1; i >= 0; i-- {
		overlay(merged, layers[i])
	}
	return merged, nil
}

// readLayer parses one file and detaches its extends key.
func readLayer(path string) (map[string]any, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	layer, err := parseDocument([]byte(ExpandEnv(string(data))), path)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	value, ok := layer[extendsKey]
	if !ok {
		return layer, "", nil
	}
	delete(layer, extendsKey)
	parent, ok := value.(string)
	if !ok {
		return nil, "", fmt.Errorf("%s: %s must be a file path", path, extendsKey)
	}
	return layer, strings.TrimSpace(parent), nil
}

// parseDocument decodes YAML, or JSON5 for .json and .json5 files.
func parseDocument(data []byte, path string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		if err := decodeSingle(yaml.NewDecoder(bytes.NewReader(data)), &doc); err != nil {
			return nil, err
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// overlay writes src over dst, descending into sections present in both.
func overlay(dst, src map[string]any) {
	for key, value := range src {
		section, isMap := value.(map[string]any)
		current, hasMap := dst[key].(map[string]any)
		if isMap && hasMap {
			overlay(current, section)
			continue
		}
		dst[key] = value
	}
}

func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decodeSingle(decoder, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// decodeSingle decodes exactly one YAML document into out. An empty
// input leaves out untouched.
func decodeSingle(decoder *yaml.Decoder, out any) error {
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("expected a single YAML document")
	}
	return nil
}
