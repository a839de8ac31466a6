package builder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"mvdan.cc/sh/v3/syntax"

	"github.com/tgagor/dapp/pkg/util"
)

// Shell runs the literal commands declared per stage.
type Shell struct {
	steps map[string][]string
}

// NewShell renders every stage's commands with vars and checks their shell
// syntax, so mistakes surface before any stage is built.
func NewShell(steps map[string][]string, vars map[string]interface{}) (*Shell, error) {
	s := &Shell{steps: map[string][]string{}}

	stages := make([]string, 0, len(steps))
	for stage := range steps {
		stages = append(stages, stage)
	}
	sort.Strings(stages)

	parser := syntax.NewParser()
	for _, stage := range stages {
		rendered, err := TemplateList(steps[stage], vars)
		if err != nil {
			return nil, &util.ConfigError{Field: "shell." + stage, Err: err}
		}
		for i, step := range rendered {
			if strings.TrimSpace(step) == "" {
				return nil, util.NewConfigError(fmt.Sprintf("shell.%s[%d]", stage, i), "empty command")
			}
			if _, err := parser.Parse(strings.NewReader(step), ""); err != nil {
				return nil, &util.ConfigError{Field: fmt.Sprintf("shell.%s[%d]", stage, i), Err: err}
			}
		}
		s.steps[stage] = rendered
		log.Debug().Str("stage", stage).Int("steps", len(rendered)).Msg("Prepared shell commands")
	}
	return s, nil
}

func (s *Shell) Name() string {
	return "shell"
}

func (s *Shell) Declares(stage string) bool {
	return len(s.steps[stage]) > 0
}

func (s *Shell) Prepare(stage string) (*Script, error) {
	return &Script{Steps: append([]string(nil), s.steps[stage]...)}, nil
}
