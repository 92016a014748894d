// Package registry loads the dataset catalog: per-domain lists of parquet
// datasets with selectors used to route queries.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gojson "github.com/goccy/go-json"
)

var (
	ErrDomainNotFound = errors.New("domain not found in registry")
	ErrNoMatch        = errors.New("no dataset matches selector")
	ErrAmbiguous      = errors.New("selector matches multiple datasets")
)

// Dataset is one queryable parquet source. Paths are resolved to absolute
// file paths at load time.
type Dataset struct {
	Key         string   `json:"key"`
	Description string   `json:"description,omitempty"`
	Paths       []string `json:"paths"`
	Hive        bool     `json:"hive,omitempty"`
	Selector    string   `json:"selector,omitempty"`
}

// Domain groups datasets under one name (e.g. "hazard", "exposure").
type Domain struct {
	Description string    `json:"description,omitempty"`
	Datasets    []Dataset `json:"datasets"`
}

type Registry struct {
	domains map[string]Domain
}

// rawDataset accepts "path" as either a string or an array of strings.
type rawDataset struct {
	Key         string            `json:"key"`
	Description string            `json:"description"`
	Path        gojson.RawMessage `json:"path"`
	Hive        bool              `json:"hive"`
	Selector    string            `json:"selector"`
}

type rawDomain struct {
	Description string       `json:"description"`
	Datasets    []rawDataset `json:"datasets"`
}

// Load reads the registry JSON at path. Relative dataset paths resolve
// against baseDir when set, else against the registry file's directory.
func Load(path, baseDir string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var domains map[string]rawDomain
	if err := gojson.Unmarshal(raw, &domains); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}

	root := baseDir
	if root == "" {
		root = filepath.Dir(path)
	}

	r := &Registry{domains: make(map[string]Domain, len(domains))}
	// dataset keys are unique across the whole registry, not per domain
	seen := make(map[string]string, len(domains))
	for name, rd := range domains {
		dom := Domain{Description: rd.Description, Datasets: make([]Dataset, 0, len(rd.Datasets))}
		for _, ds := range rd.Datasets {
			key := strings.TrimSpace(ds.Key)
			if len(key) < 2 {
				return nil, fmt.Errorf("registry domain %s: dataset key %q too short", name, ds.Key)
			}
			if prev, dup := seen[key]; dup {
				return nil, fmt.Errorf("dataset key %q duplicated in domains %s and %s", key, prev, name)
			}
			seen[key] = name

			paths, err := decodePaths(ds.Path)
			if err != nil {
				return nil, fmt.Errorf("registry dataset %s/%s: %w", name, key, err)
			}
			if len(paths) > 1 && !ds.Hive {
				return nil, fmt.Errorf("registry dataset %s/%s: multiple paths require hive layout", name, key)
			}
			for i, p := range paths {
				if !filepath.IsAbs(p) {
					p = filepath.Join(root, p)
				}
				paths[i] = filepath.Clean(p)
			}

			dom.Datasets = append(dom.Datasets, Dataset{
				Key:         key,
				Description: ds.Description,
				Paths:       paths,
				Hive:        ds.Hive,
				Selector:    strings.ToLower(strings.TrimSpace(ds.Selector)),
			})
		}
		r.domains[strings.ToLower(name)] = dom
	}
	return r, nil
}

func decodePaths(raw gojson.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, errors.New("path is required")
	}
	var single string
	if err := gojson.Unmarshal(raw, &single); err == nil {
		single = strings.TrimSpace(single)
		if len(single) < 2 {
			return nil, fmt.Errorf("path %q too short", single)
		}
		return []string{single}, nil
	}
	var many []string
	if err := gojson.Unmarshal(raw, &many); err != nil {
		return nil, errors.New("path must be a string or array of strings")
	}
	if len(many) == 0 {
		return nil, errors.New("path array is empty")
	}
	for i, p := range many {
		p = strings.TrimSpace(p)
		if len(p) < 2 {
			return nil, fmt.Errorf("path %q too short", p)
		}
		many[i] = p
	}
	return many, nil
}

// Domains lists registry domain names.
func (r *Registry) Domains() []string {
	names := make([]string, 0, len(r.domains))
	for n := range r.domains {
		names = append(names, n)
	}
	return names
}

// Resolve finds the dataset in domain whose selector matches. An empty
// selector matches a domain with exactly one dataset.
func (r *Registry) Resolve(domain, selector string) (Dataset, error) {
	dom, ok := r.domains[strings.ToLower(strings.TrimSpace(domain))]
	if !ok {
		return Dataset{}, fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
	}
	selector = strings.ToLower(strings.TrimSpace(selector))

	if selector == "" {
		if len(dom.Datasets) == 1 {
			return dom.Datasets[0], nil
		}
		return Dataset{}, fmt.Errorf("%w: domain %s has %d datasets, selector required", ErrAmbiguous, domain, len(dom.Datasets))
	}

	var matches []Dataset
	for _, ds := range dom.Datasets {
		if ds.Selector == selector || ds.Key == selector {
			matches = append(matches, ds)
		}
	}
	switch len(matches) {
	case 0:
		return Dataset{}, fmt.Errorf("%w: %s in domain %s", ErrNoMatch, selector, domain)
	case 1:
		return matches[0], nil
	default:
		return Dataset{}, fmt.Errorf("%w: %s in domain %s", ErrAmbiguous, selector, domain)
	}
}
