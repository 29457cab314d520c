// Package prompt assembles the model context: system instructions, table
// grounding and conversation history under a token budget.
package prompt

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tabletalk-ai/tabletalk/pkg/config"
)

//go:embed instructions.yaml
var instructionsYAML []byte

// sectionSeparator joins instruction sections in the system message.
const sectionSeparator = "\n---\n"

type instructionsFile struct {
	Sections []struct {
		Name string `yaml:"name"`
		Text string `yaml:"text"`
	} `yaml:"sections"`
	Clarification map[string]string `yaml:"clarification"`
}

// Instructions holds the rendered system instruction text per
// clarification mode.
type Instructions struct {
	byMode map[config.ClarificationMode]string
}

// LoadInstructions parses the embedded instruction sections.
func LoadInstructions() (*Instructions, error) {
	var file instructionsFile
	if err := yaml.Unmarshal(instructionsYAML, &file); err != nil {
		return nil, fmt.Errorf("failed to parse instructions: %w", err)
	}
	if len(file.Sections) == 0 {
		return nil, fmt.Errorf("instructions contain no sections")
	}

	base := make([]string, 0, len(file.Sections))
	for _, s := range file.Sections {
		base = append(base, strings.TrimSpace(s.Text))
	}

	inst := &Instructions{byMode: make(map[config.ClarificationMode]string)}
	for _, mode := range []config.ClarificationMode{config.ClarifyAlwaysAsk, config.ClarifyBestEffort} {
		extra, ok := file.Clarification[string(mode)]
		if !ok {
			return nil, fmt.Errorf("instructions missing clarification text for mode %q", mode)
		}
		parts := append(append([]string{}, base...), strings.TrimSpace(extra))
		inst.byMode[mode] = strings.Join(parts, sectionSeparator)
	}
	return inst, nil
}

// Render returns the system instruction text for a clarification mode.
func (i *Instructions) Render(mode config.ClarificationMode) string {
	if text, ok := i.byMode[mode]; ok {
		return text
	}
	return i.byMode[config.ClarifyAlwaysAsk]
}
