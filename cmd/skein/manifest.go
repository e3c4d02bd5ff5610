package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/skeinhq/skein/internal/store"
	"github.com/skeinhq/skein/internal/validation"
	"github.com/skeinhq/skein/pkg/schema"
	"gopkg.in/yaml.v3"
)

// Manifest is a YAML bundle of node definitions and workflow graphs loaded
// with `skein load <file>`. Definitions are registered first so graphs can
// reference them.
type Manifest struct {
	Definitions []*schema.NodeDefinition `json:"definitions"`
	Graphs      []*schema.WorkflowGraph  `json:"graphs"`
}

// parseManifest reads a YAML manifest. The document is decoded generically
// and re-marshalled through JSON so the schema types keep a single set of
// field tags.
func parseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// applyManifest registers the manifest's definitions and validates and saves
// its graphs. It stops at the first error so a partial bundle is never
// silently half-applied.
func applyManifest(ctx context.Context, m *Manifest, st store.Store, checker *validation.GraphValidator) error {
	for _, def := range m.Definitions {
		if err := checker.CheckDefinition(def); err != nil {
			return fmt.Errorf("definition %q: %w", def.ID, err)
		}
		if err := st.PutDefinition(ctx, def); err != nil {
			return fmt.Errorf("store definition %q: %w", def.ID, err)
		}
	}

	for _, wf := range m.Graphs {
		if wf.ID == "" {
			return fmt.Errorf("graph %q: id is required", wf.Name)
		}
		defs := make(map[string]*schema.NodeDefinition, len(wf.Nodes))
		for _, node := range wf.Nodes {
			if _, ok := defs[node.DefinitionID]; ok {
				continue
			}
			def, err := st.GetDefinition(ctx, node.DefinitionID, node.DefinitionVersion)
			if err != nil {
				return fmt.Errorf("graph %q: node %q references unknown definition %q", wf.ID, node.ID, node.DefinitionID)
			}
			defs[node.DefinitionID] = def
		}

		report := checker.Validate(ctx, wf, defs)
		if !report.Valid() {
			detail, _ := json.MarshalIndent(report.Errors, "", "  ")
			return fmt.Errorf("graph %q failed validation:\n%s", wf.ID, detail)
		}

		g := &store.Graph{ID: wf.ID, Name: wf.Name, Spec: *wf}
		if err := st.SaveGraph(ctx, g); err != nil {
			return fmt.Errorf("save graph %q: %w", wf.ID, err)
		}
	}

	return nil
}
