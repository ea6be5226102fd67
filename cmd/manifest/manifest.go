package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/airframesio/model-diff/cmd/warehouse"
	"github.com/tidwall/gjson"
)

// RelativePath is where dbt writes the manifest inside a project
const RelativePath = "target/manifest.json"

var (
	ErrManifestNotFound    = errors.New("manifest.json not found")
	ErrManifestInvalid     = errors.New("invalid manifest.json")
	ErrModelNotFound       = errors.New("model not found in manifest")
	ErrEphemeralModel      = errors.New("model is ephemeral and has no relation")
	ErrRelationNameInvalid = errors.New("could not parse relation_name")
)

// quotedPart matches one double-quoted identifier, where "" stands for a literal quote
var quotedPart = regexp.MustCompile(`"((?:[^"]|"")+)"`)

// Node is the part of a manifest model node needed to locate its relation
type Node struct {
	UniqueID     string
	Name         string
	Alias        string
	Database     string
	Schema       string
	RelationName string
	Materialized string
}

// Manifest is a parsed dbt manifest
type Manifest struct {
	doc gjson.Result
}

// Load reads target/manifest.json from a built dbt project
func Load(projectDir string) (*Manifest, error) {
	path := filepath.Join(projectDir, RelativePath)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and wraps raw manifest JSON
func Parse(data []byte) (*Manifest, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrManifestInvalid)
	}
	doc := gjson.ParseBytes(data)
	if !doc.Get("nodes").IsObject() {
		return nil, fmt.Errorf("%w: nodes missing", ErrManifestInvalid)
	}
	return &Manifest{doc: doc}, nil
}

// Model returns the first model node named name
func (m *Manifest) Model(name string) (Node, error) {
	var (
		node  Node
		found bool
	)
	m.doc.Get("nodes").ForEach(func(key, value gjson.Result) bool {
		if value.Get("resource_type").String() != "model" || value.Get("name").String() != name {
			return true
		}
		node = Node{
			UniqueID:     key.String(),
			Name:         value.Get("name").String(),
			Alias:        value.Get("alias").String(),
			Database:     value.Get("database").String(),
			Schema:       value.Get("schema").String(),
			RelationName: value.Get("relation_name").String(),
			Materialized: value.Get("config.materialized").String(),
		}
		found = true
		return false
	})
	if !found {
		return Node{}, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return node, nil
}

// ResolveRelation locates the built relation of a model. relation_name is preferred; older
// manifests without it fall back to schema and alias.
func (m *Manifest) ResolveRelation(model string) (warehouse.RelationRef, error) {
	node, err := m.Model(model)
	if err != nil {
		return warehouse.RelationRef{}, err
	}
	if node.Materialized == "ephemeral" {
		return warehouse.RelationRef{}, fmt.Errorf("%w: %s", ErrEphemeralModel, model)
	}
	if node.RelationName != "" {
		return ParseRelationName(node.RelationName)
	}

	name := node.Alias
	if name == "" {
		name = node.Name
	}
	if node.Schema == "" || name == "" {
		return warehouse.RelationRef{}, fmt.Errorf("%w: model %s has neither relation_name nor schema", ErrRelationNameInvalid, model)
	}
	return warehouse.RelationRef{Schema: node.Schema, Name: name}, nil
}

// ParseRelationName splits a Postgres-style relation name such as "db"."schema"."table" into
// its last two parts
func ParseRelationName(relationName string) (warehouse.RelationRef, error) {
	if quoted := quotedPart.FindAllStringSubmatch(relationName, -1); len(quoted) >= 2 {
		return warehouse.RelationRef{
			Schema: strings.ReplaceAll(quoted[len(quoted)-2][1], `""`, `"`),
			Name:   strings.ReplaceAll(quoted[len(quoted)-1][1], `""`, `"`),
		}, nil
	}

	var parts []string
	for _, p := range strings.Split(relationName, ".") {
		if p = strings.Trim(strings.TrimSpace(p), `"`); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) >= 2 {
		return warehouse.RelationRef{Schema: parts[len(parts)-2], Name: parts[len(parts)-1]}, nil
	}

	return warehouse.RelationRef{}, fmt.Errorf("%w: %q", ErrRelationNameInvalid, relationName)
}
