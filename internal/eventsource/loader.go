// Package eventsource reads the list of events to register for from a YAML
// or JSON file.
package eventsource

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// document is the wrapped form, {events: [...]}.
type document struct {
	Events []schemas.Event `json:"events" yaml:"events"`
}

// Load reads path and returns its events in file order with duplicate URLs
// removed. The file holds either a list of {title, url} or {events: [...]}.
func Load(path string) ([]schemas.Event, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand events path: %w", err)
	}
	content, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}

	var events []schemas.Event
	switch ext := strings.ToLower(filepath.Ext(expanded)); ext {
	case ".yaml", ".yml":
		events, err = decodeYAML(content)
	case ".json":
		events, err = decodeJSON(content)
	default:
		return nil, fmt.Errorf("unsupported events file extension %q (expected .yaml, .yml or .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", expanded, err)
	}
	return Normalize(events)
}

func decodeYAML(content []byte) ([]schemas.Event, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(content, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	node := root.Content[0]
	switch node.Kind {
	case yaml.SequenceNode:
		var events []schemas.Event
		if err := node.Decode(&events); err != nil {
			return nil, err
		}
		return events, nil
	case yaml.MappingNode:
		var doc document
		if err := node.Decode(&doc); err != nil {
			return nil, err
		}
		return doc.Events, nil
	}
	return nil, errors.New("expected a list of events or an events key")
}

func decodeJSON(content []byte) ([]schemas.Event, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var events []schemas.Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, err
		}
		return events, nil
	case '{':
		var doc document
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, err
		}
		return doc.Events, nil
	}
	return nil, errors.New("expected a list of events or an events object")
}

// Normalize trims fields, checks every URL is an absolute http(s) URL and
// drops later duplicates. All invalid entries are reported together.
func Normalize(in []schemas.Event) ([]schemas.Event, error) {
	var errs []error
	seen := make(map[string]struct{}, len(in))
	out := make([]schemas.Event, 0, len(in))
	for i, ev := range in {
		ev.Title = strings.TrimSpace(ev.Title)
		ev.URL = strings.TrimSpace(ev.URL)
		if err := validateURL(ev.URL); err != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", i+1, err))
			continue
		}
		if _, dup := seen[ev.URL]; dup {
			continue
		}
		seen[ev.URL] = struct{}{}
		out = append(out, ev)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}
