package planner

import (
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/quorum/pkg/models"
)

// Definition is a hand-written or exported plan file.
type Definition struct {
	GlobalTask string            `yaml:"global_task"`
	Subtasks   []*models.SubTask `yaml:"subtasks"`
}

// FromDefinition validates a definition exactly like a model decomposition.
func FromDefinition(def Definition, defaults AgentDefaults) (*models.Plan, error) {
	subtasks := make([]*models.SubTask, 0, len(def.Subtasks))
	for _, st := range def.Subtasks {
		if st == nil {
			return nil, malformed("empty subtask entry")
		}
		c := st.Clone()
		if c.Role == "" {
			c.Role = "general"
		}
		subtasks = append(subtasks, c)
	}
	return Assemble(def.GlobalTask, subtasks, defaults)
}

// LoadDefinition reads a YAML plan file.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read plan file: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, malformed("parse plan file %s: %v", path, err)
	}
	return def, nil
}

// DefinitionOf exports a plan's subtasks in priority order.
func DefinitionOf(plan *models.Plan) Definition {
	def := Definition{GlobalTask: plan.GlobalTask}
	for _, st := range plan.Subtasks() {
		def.Subtasks = append(def.Subtasks, st.Clone())
	}
	return def
}

// SaveDefinition writes a plan as YAML.
func SaveDefinition(path string, plan *models.Plan) error {
	data, err := yaml.Marshal(DefinitionOf(plan))
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create plan directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}
