// Copyright 2025 FlowGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"flowgate/platform/orchestrator/llm"
	"flowgate/platform/shared/logger"
)

// ToolDefinition maps an LLM-visible tool onto a gateway action.
type ToolDefinition struct {
	Name           string
	Description    string
	ActionName     string
	CapabilityName string
	InputSchema    json.RawMessage
}

// ToolCatalog loads tool definitions from the tool_definitions table,
// optionally overlaid by a YAML catalog file for development installs.
type ToolCatalog struct {
	db          *sql.DB
	catalogPath string
	log         *logger.Logger
}

// NewToolCatalog wires the catalog; catalogPath may be empty.
func NewToolCatalog(db *sql.DB, catalogPath string, log *logger.Logger) *ToolCatalog {
	return &ToolCatalog{db: db, catalogPath: catalogPath, log: log}
}

// LoadForCapabilities returns the active tools whose capability is in
// the agent's capability set. File catalog entries override table rows
// with the same name.
func (c *ToolCatalog) LoadForCapabilities(ctx context.Context, capabilities []string) ([]ToolDefinition, error) {
	capSet := make(map[string]struct{}, len(capabilities))
	for _, capability := range capabilities {
		capSet[capability] = struct{}{}
	}

	byName := map[string]ToolDefinition{}
	var order []string

	rows, err := c.db.QueryContext(ctx,
		`SELECT name, description, action_name, capability_name, input_schema
		 FROM tool_definitions WHERE is_active = true ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("load tool definitions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var def ToolDefinition
		var schema []byte
		if err := rows.Scan(&def.Name, &def.Description, &def.ActionName, &def.CapabilityName, &schema); err != nil {
			return nil, fmt.Errorf("scan tool definition: %w", err)
		}
		def.InputSchema = json.RawMessage(schema)
		byName[def.Name] = def
		order = append(order, def.Name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load tool definitions: %w", err)
	}

	if c.catalogPath != "" {
		fileDefs, err := loadCatalogFile(c.catalogPath)
		if err != nil {
			c.log.Warn("", "", "tool catalog file unreadable", map[string]interface{}{
				"path": c.catalogPath, "error": err.Error(),
			})
		} else {
			for _, def := range fileDefs {
				if _, exists := byName[def.Name]; !exists {
					order = append(order, def.Name)
				}
				byName[def.Name] = def
			}
		}
	}

	var tools []ToolDefinition
	for _, name := range order {
		def := byName[name]
		if _, held := capSet[def.CapabilityName]; held {
			tools = append(tools, def)
		}
	}
	return tools, nil
}

// catalogFileEntry is the YAML shape of one tool in TOOL_CATALOG_PATH.
type catalogFileEntry struct {
	Name           string                 `yaml:"name"`
	Description    string                 `yaml:"description"`
	ActionName     string                 `yaml:"action_name"`
	CapabilityName string                 `yaml:"capability_name"`
	InputSchema    map[string]interface{} `yaml:"input_schema"`
}

func loadCatalogFile(path string) ([]ToolDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries struct {
		Tools []catalogFileEntry `yaml:"tools"`
	}
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse tool catalog: %w", err)
	}

	defs := make([]ToolDefinition, 0, len(entries.Tools))
	for _, e := range entries.Tools {
		schema, err := json.Marshal(e.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: encode input schema: %w", e.Name, err)
		}
		defs = append(defs, ToolDefinition{
			Name:           e.Name,
			Description:    e.Description,
			ActionName:     e.ActionName,
			CapabilityName: e.CapabilityName,
			InputSchema:    schema,
		})
	}
	return defs, nil
}

// llmTools converts catalog entries into the wire shape offered to the
// model.
func llmTools(defs []ToolDefinition) []llm.Tool {
	tools := make([]llm.Tool, 0, len(defs))
	for _, def := range defs {
		schema := def.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, llm.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	return tools
}
