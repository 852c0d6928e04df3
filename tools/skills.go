package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// SKILL SCRIPT TOOLS
// ============================================================================
//
// A skill is a directory containing a skill.yaml manifest plus whatever
// scripts it needs. The manifest declares the command to run and the
// parameters the model may pass; arguments travel to the process as a JSON
// object on stdin and the tool result is the process stdout.

const skillManifestName = "skill.yaml"

// SkillManifest is the on-disk description of a script-backed tool.
type SkillManifest struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Command     string       `yaml:"command"`
	Args        []string     `yaml:"args,omitempty"`
	TimeoutS    int          `yaml:"timeout_s,omitempty"`
	Params      []SkillParam `yaml:"params,omitempty"`
}

// SkillParam declares one manifest parameter.
type SkillParam struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Description string   `yaml:"description,omitempty"`
	Required    bool     `yaml:"required,omitempty"`
	Enum        []string `yaml:"enum,omitempty"`
}

// Validate checks manifest consistency.
func (m *SkillManifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("skill manifest missing name")
	}
	if m.Command == "" {
		return fmt.Errorf("skill %s: manifest missing command", m.Name)
	}
	for _, p := range m.Params {
		if p.Name == "" {
			return fmt.Errorf("skill %s: parameter missing name", m.Name)
		}
	}
	return nil
}

// SetDefaults applies manifest defaults.
func (m *SkillManifest) SetDefaults() {
	if m.TimeoutS == 0 {
		m.TimeoutS = 60
	}
	for i := range m.Params {
		if m.Params[i].Type == "" {
			m.Params[i].Type = "string"
		}
	}
}

// SkillTool executes a manifest-described script.
type SkillTool struct {
	manifest SkillManifest
	dir      string
}

var _ Tool = (*SkillTool)(nil)

// LoadSkills scans dir for subdirectories containing a skill.yaml manifest
// and returns one tool per valid manifest. A missing directory is not an
// error; it simply yields no tools.
func LoadSkills(dir string) ([]Tool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read skills directory %s: %w", dir, err)
	}

	var skillTools []Tool
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillDir := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(skillDir, skillManifestName)
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", manifestPath, err)
		}

		var manifest SkillManifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", manifestPath, err)
		}
		manifest.SetDefaults()
		if err := manifest.Validate(); err != nil {
			return nil, fmt.Errorf("invalid manifest %s: %w", manifestPath, err)
		}

		skillTools = append(skillTools, &SkillTool{manifest: manifest, dir: skillDir})
	}
	return skillTools, nil
}

// Descriptor returns the tool's metadata.
func (t *SkillTool) Descriptor() Descriptor {
	params := make([]Parameter, 0, len(t.manifest.Params))
	for _, p := range t.manifest.Params {
		params = append(params, Parameter{
			Name:        p.Name,
			Type:        p.Type,
			Description: p.Description,
			Required:    p.Required,
			Enum:        p.Enum,
		})
	}
	return Descriptor{
		Name:        t.manifest.Name,
		Description: t.manifest.Description,
		Parameters:  params,
		Kind:        KindSkillScript,
	}
}

// Execute runs the skill's command with the argument map JSON-encoded on
// stdin. Stdout becomes the result content; a non-zero exit reports stderr.
func (t *SkillTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if t.manifest.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t.manifest.TimeoutS)*time.Second)
		defer cancel()
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	input, err := json.Marshal(args)
	if err != nil {
		return ErrorResult(t.manifest.Name, fmt.Sprintf("failed to encode arguments: %v", err)), err
	}

	cmd := exec.CommandContext(ctx, t.manifest.Command, t.manifest.Args...)
	cmd.Dir = t.dir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	executionTime := time.Since(start)

	if err != nil {
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = err.Error()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		result := ErrorResult(t.manifest.Name, message)
		result.ExecutionTime = executionTime
		if exitError, ok := err.(*exec.ExitError); ok {
			result.Error = fmt.Sprintf("exit code %d: %s", exitError.ExitCode(), message)
		}
		return result, err
	}

	return &Result{
		Success:       true,
		Content:       stdout.String(),
		ToolName:      t.manifest.Name,
		ExecutionTime: executionTime,
	}, nil
}
