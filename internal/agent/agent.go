// Package agent runs a tool-using model over one persisted conversation and
// exposes the single-question Ask operation used by the HTTP layer.
package agent

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/bqagent/internal/warehouse"
)

const (
	// DefaultModel is the hosted model the agent talks to.
	DefaultModel = "gemini-2.5-flash"
	// DefaultName is the agent's author name on events.
	DefaultName = "icecream_shop_agent"
	// DefaultDescription describes what the agent is for.
	DefaultDescription = "Answer questions and run read-only warehouse queries."
)

// Agent is a model identity plus its instruction policy and tools.
type Agent struct {
	Model       string
	Name        string
	Description string
	// Instruction may contain {key} placeholders filled from session state.
	Instruction string
	Tools       []Tool
}

// New builds the default agent bound to wh.
func New(model string, wh warehouse.Warehouse, maxRows int) *Agent {
	if model == "" {
		model = DefaultModel
	}
	return &Agent{
		Model:       model,
		Name:        DefaultName,
		Description: DefaultDescription,
		Instruction: BuildInstruction(wh.Table(), wh.Dialect()),
		Tools:       WarehouseTools(wh, maxRows),
	}
}

// Tool returns the tool named name, or nil.
func (a *Agent) Tool(name string) Tool {
	for _, t := range a.Tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// BuildInstruction renders the access policy for table.
func BuildInstruction(table warehouse.TableRef, dialect warehouse.Dialect) string {
	fq := table.String()
	good, bad1, bad2 := "FROM `"+fq+"`", "FROM `"+table.Project+".other_ds.some_table`", "FROM `public-project.*.*`"
	if dialect == warehouse.DialectDuckDB {
		good = "FROM " + duckQualified(table.Project, table.Dataset, table.Table)
		bad1 = "FROM " + duckQualified(table.Project, "other_ds", "some_table")
		bad2 = "FROM read_parquet('...')"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a data agent for {user_name}. You answer questions only by using the %s tools you are given.\n", dialectLabel(dialect))
	b.WriteString("Rules you must follow strictly:\n")
	fmt.Fprintf(&b, "1) You may only query the table `%s`.\n", fq)
	b.WriteString("2) Every SQL query must reference that table fully-qualified, for example\n")
	fmt.Fprintf(&b, "   SELECT ... %s\n", good)
	fmt.Fprintf(&b, "3) Never reference another dataset or project, and never query INFORMATION_SCHEMA outside `%s.%s`.\n", table.Project, table.Dataset)
	fmt.Fprintf(&b, "4) If the user asks for data outside this scope, politely refuse and suggest moving the data into `%s.%s` first.\n", table.Project, table.Dataset)
	b.WriteString("5) Only read data. Never try to modify, create or delete anything.\n\n")
	b.WriteString("Correct:\n")
	fmt.Fprintf(&b, "- %s\n", good)
	b.WriteString("Incorrect:\n")
	fmt.Fprintf(&b, "- %s\n- %s\n\n", bad1, bad2)
	b.WriteString("Formatting guidelines:\n")
	b.WriteString("- Use plain text for lists and rankings, starting each item with '- '.\n")
	b.WriteString("- For example:\n")
	b.WriteString("  Top 5 branches by total sales:\n")
	b.WriteString("  - Branch A: 123\n")
	b.WriteString("  - Branch B: 456\n")
	return b.String()
}

// duckQualified double-quotes each part so dashed project ids parse.
func duckQualified(parts ...string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(quoted, ".")
}

func dialectLabel(d warehouse.Dialect) string {
	if d == warehouse.DialectDuckDB {
		return "DuckDB"
	}
	return "BigQuery"
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// InjectState replaces {key} placeholders with session state values.
// Unknown keys are left untouched.
func InjectState(template string, state map[string]any) string {
	if len(state) == 0 {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := state[key]
		if !ok || v == nil {
			return m
		}
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	})
}

// FileConfig is the YAML form of an agent override file.
type FileConfig struct {
	Model         string `yaml:"model"`
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	Instruction   string `yaml:"instruction"`
	Table         string `yaml:"table"`
	MaxRows       int    `yaml:"max_rows"`
	MaxModelTurns int    `yaml:"max_model_turns"`
}

// LoadFile reads an agent override file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse agent config %s: %w", path, err)
	}
	if fc.Table != "" {
		if _, err := warehouse.ParseTableRef(fc.Table); err != nil {
			return nil, fmt.Errorf("agent config %s: %w", path, err)
		}
	}
	if fc.MaxRows < 0 || fc.MaxModelTurns < 0 {
		return nil, fmt.Errorf("agent config %s: limits must not be negative", path)
	}
	return &fc, nil
}

// Apply overlays the non-empty fields of fc onto a.
func (fc *FileConfig) Apply(a *Agent) {
	if fc.Model != "" {
		a.Model = fc.Model
	}
	if fc.Name != "" {
		a.Name = fc.Name
	}
	if fc.Description != "" {
		a.Description = fc.Description
	}
	if fc.Instruction != "" {
		a.Instruction = fc.Instruction
	}
}
