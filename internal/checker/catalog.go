package checker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"quantflow/internal/logger"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// CheckSpec 描述 checker 链中的一项。
type CheckSpec struct {
	Kind   string         `yaml:"kind"`
	Params map[string]any `yaml:"params"`
}

// StrategySpec 描述单个策略的 checker 链。
type StrategySpec struct {
	Description string      `yaml:"description"`
	Checks      []CheckSpec `yaml:"checks"`
}

// CatalogFile 映射 checkers.yaml。
type CatalogFile struct {
	Strategies map[string]StrategySpec `yaml:"strategies"`
}

// Catalog holds the built checker of every strategy in the file.
type Catalog struct {
	Path     string
	Checkers map[string]Checker
	Specs    map[string]StrategySpec
}

type kindDef struct {
	schema string
	build  func(params map[string]any) (Checker, error)
}

var kinds = map[string]kindDef{
	"min_strength": {
		schema: `{"type":"object","additionalProperties":false,"required":["threshold"],
			"properties":{"threshold":{"type":"number","minimum":0}}}`,
		build: func(params map[string]any) (Checker, error) {
			var c MinStrength
			if err := decodeParams(params, &c); err != nil {
				return nil, err
			}
			return c, nil
		},
	},
	"size_scale": {
		schema: `{"type":"object","additionalProperties":false,
			"properties":{"factor":{"type":"number","exclusiveMinimum":0},
			"min":{"type":"number","minimum":0},"max":{"type":"number","minimum":0}}}`,
		build: func(params map[string]any) (Checker, error) {
			var c SizeScale
			if err := decodeParams(params, &c); err != nil {
				return nil, err
			}
			if c.Max > 0 && c.Min > c.Max {
				return nil, fmt.Errorf("size_scale min %.4f > max %.4f", c.Min, c.Max)
			}
			return c, nil
		},
	},
	"trading_window": {
		schema: `{"type":"object","additionalProperties":false,"required":["start","end"],
			"properties":{"start":{"type":"string","pattern":"^[0-2][0-9]:[0-5][0-9]$"},
			"end":{"type":"string","pattern":"^[0-2][0-9]:[0-5][0-9]$"}}}`,
		build: func(params map[string]any) (Checker, error) {
			var raw struct {
				Start string `mapstructure:"start"`
				End   string `mapstructure:"end"`
			}
			if err := decodeParams(params, &raw); err != nil {
				return nil, err
			}
			return ParseTradingWindow(raw.Start, raw.End)
		},
	},
	"accept_all": {
		schema: `{"type":"object","maxProperties":0}`,
		build: func(map[string]any) (Checker, error) {
			return AcceptAll, nil
		},
	},
}

// Kinds lists the check kinds a catalog may use.
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LoadCatalog reads path and builds one Chain per strategy.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("checker catalog requires path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checker catalog failed: %w", err)
	}
	cat, err := ParseCatalog(raw)
	if err != nil {
		return nil, err
	}
	cat.Path = path
	logger.Infof("Checker catalog loaded %d strategies from %s", len(cat.Checkers), filepath.Base(path))
	return cat, nil
}

// ParseCatalog builds a catalog from YAML bytes.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var file CatalogFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse checker catalog failed: %w", err)
	}
	cat := &Catalog{
		Checkers: make(map[string]Checker, len(file.Strategies)),
		Specs:    make(map[string]StrategySpec, len(file.Strategies)),
	}
	for name, spec := range file.Strategies {
		id := strings.TrimSpace(name)
		if id == "" {
			return nil, fmt.Errorf("checker catalog has an empty strategy id")
		}
		chain := make(Chain, 0, len(spec.Checks))
		for i, cs := range spec.Checks {
			c, err := buildCheck(cs)
			if err != nil {
				return nil, fmt.Errorf("strategy %s check #%d: %w", id, i+1, err)
			}
			chain = append(chain, c)
		}
		cat.Specs[id] = spec
		if len(chain) == 0 {
			cat.Checkers[id] = AcceptAll
			continue
		}
		cat.Checkers[id] = chain
	}
	return cat, nil
}

// RegisterAll adds every catalog checker to reg.
func (c *Catalog) RegisterAll(reg interface {
	Register(strategyID string, c Checker) error
}) error {
	ids := make([]string, 0, len(c.Checkers))
	for id := range c.Checkers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := reg.Register(id, c.Checkers[id]); err != nil {
			return err
		}
	}
	return nil
}

func buildCheck(cs CheckSpec) (Checker, error) {
	kind := strings.ToLower(strings.TrimSpace(cs.Kind))
	def, ok := kinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown check kind %q", cs.Kind)
	}
	params, err := normalizeParams(cs.Params)
	if err != nil {
		return nil, err
	}
	schema, err := compileSchema(kind, def.schema)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(params); err != nil {
		return nil, fmt.Errorf("%s params invalid: %w", kind, err)
	}
	m, _ := params.(map[string]any)
	return def.build(m)
}

// normalizeParams round-trips params through JSON so the validator sees
// plain JSON types instead of whatever the YAML decoder produced.
func normalizeParams(params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return out, nil
}

func compileSchema(kind, raw string) (*jsonschema.Schema, error) {
	url := kind + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}
