package template

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/civicdocs/backend/pkg/logger"
)

var (
	ErrTemplateNotFound      = errors.New("template not found")
	ErrMissingInsertionPoint = errors.New("missing insertion point")
)

// Step is one prompt in a template chain. Its resolved prompt may
// reference the document variables plus the named outputs of earlier
// steps in the same chain.
type Step struct {
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

// Template is immutable once loaded; editing the templates file and
// restarting does not alter results recorded under the old wording.
type Template struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Steps    []Step `yaml:"steps"`
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// Resolver materializes prompts from templates. It holds no per-call
// state: the caller supplies prior step outputs explicitly, which keeps
// resolution replayable.
type Resolver struct {
	templates map[string]Template
}

func NewResolver(templates []Template) (*Resolver, error) {
	byID := make(map[string]Template, len(templates))

	for _, tmpl := range templates {
		if tmpl.ID == "" {
			return nil, fmt.Errorf("template with empty id")
		}
		if len(tmpl.Steps) == 0 {
			return nil, fmt.Errorf("template %q has no steps", tmpl.ID)
		}
		if _, ok := byID[tmpl.ID]; ok {
			return nil, fmt.Errorf("duplicate template id %q", tmpl.ID)
		}

		seen := make(map[string]bool, len(tmpl.Steps))
		for _, step := range tmpl.Steps {
			if step.Name == "" {
				return nil, fmt.Errorf("template %q has a step with no name", tmpl.ID)
			}
			if seen[step.Name] {
				return nil, fmt.Errorf("template %q has duplicate step %q", tmpl.ID, step.Name)
			}
			seen[step.Name] = true
		}

		if tmpl.Provider == "" {
			tmpl.Provider = "any"
		}
		byID[tmpl.ID] = tmpl
	}

	return &Resolver{templates: byID}, nil
}

// LoadResolver reads templates from a yaml file. A missing file falls
// back to the built-in default template set.
func LoadResolver(path string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Warn("Templates file not found, using built-in templates", zap.String("path", path))
		return NewResolver(DefaultTemplates())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}

	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse templates file: %w", err)
	}

	resolver, err := NewResolver(file.Templates)
	if err != nil {
		return nil, err
	}

	logger.Info("Templates loaded",
		zap.String("path", path),
		zap.Int("count", len(file.Templates)),
	)

	return resolver, nil
}

func (r *Resolver) Get(id string) (Template, error) {
	tmpl, ok := r.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return tmpl, nil
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Resolve fills the named step's insertion points from vars. Every
// placeholder must be present in vars or resolution fails with
// ErrMissingInsertionPoint.
func (r *Resolver) Resolve(templateID, stepName string, vars map[string]string) (string, error) {
	tmpl, err := r.Get(templateID)
	if err != nil {
		return "", err
	}

	var step *Step
	for i := range tmpl.Steps {
		if tmpl.Steps[i].Name == stepName {
			step = &tmpl.Steps[i]
			break
		}
	}
	if step == nil {
		return "", fmt.Errorf("%w: %s has no step %q", ErrTemplateNotFound, templateID, stepName)
	}

	var missing string
	resolved := placeholderPattern.ReplaceAllStringFunc(step.Prompt, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return value
	})

	if missing != "" {
		return "", fmt.Errorf("%w: template %s step %s references %q", ErrMissingInsertionPoint, templateID, stepName, missing)
	}

	return resolved, nil
}

// DefaultTemplates is the built-in analysis chain for board meeting
// minutes, used when no templates file is configured.
func DefaultTemplates() []Template {
	return []Template{
		{
			ID:       "meeting-brief",
			Provider: "any",
			Steps: []Step{
				{
					Name: "summary",
					Prompt: "Summarize these government meeting minutes, focusing on:\n" +
						"- Key decisions and votes\n" +
						"- Major agenda items discussed\n" +
						"- Action items and deadlines\n" +
						"- Financial items and budget decisions\n" +
						"- Public comment themes\n\n" +
						"Keep the summary comprehensive but under 1500 words.\n\n" +
						"Document ({{title}}):\n\n{{content}}",
				},
				{
					Name: "decisions",
					Prompt: "From the meeting summary below, list every vote, resolution, and\n" +
						"ordinance with its outcome. Be specific about item numbers and vote\n" +
						"counts where available.\n\n" +
						"Summary:\n\n{{summary}}",
				},
				{
					Name: "impact",
					Prompt: "Based on the summary and the decision list, explain the budget\n" +
						"impact and how these decisions affect residents. Note follow-up\n" +
						"actions and deadlines.\n\n" +
						"Summary:\n\n{{summary}}\n\nDecisions:\n\n{{decisions}}",
				},
			},
		},
	}
}
