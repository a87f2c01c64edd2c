// Package campaign expands a campaign description into the flat ordered
// trial list the worker pool consumes. A campaign file is a YAML list of
// groups, each naming a registered template, the trial numbers to render it
// for, and the parameters to render it with; every rendered template is a
// task specification.
package campaign

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/steps"
	"github.com/cuemby/burrow/pkg/vars"
)

// Group is one campaign entry: render template once per element of trials.
type Group struct {
	Template string            `yaml:"template"`
	Trials   []int             `yaml:"trials"`
	Config   map[string]string `yaml:"config"`
}

// TaskSpec is one rendered trial descriptor.
type TaskSpec struct {
	Instance string          `yaml:"instance"`
	Vars     []vars.KeyValue `yaml:"vars"`
	Tasks    []steps.Step    `yaml:"tasks"`
}

// Expander holds the registered task templates.
type Expander struct {
	templates *template.Template
}

// NewExpander parses the named templates. Template bodies may use
// `contains` in conditions, mirroring what campaign authors need most.
func NewExpander(templates map[string]string) (*Expander, error) {
	root := template.New("campaign").Funcs(template.FuncMap{
		"contains": strings.Contains,
	})
	for name, body := range templates {
		if _, err := root.New(name).Parse(body); err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
	}
	return &Expander{templates: root}, nil
}

// RenderString renders a one-off template body with the given context; used
// for the campaign file itself before group expansion.
func (e *Expander) RenderString(body string, ctx map[string]string) (string, error) {
	tpl, err := e.templates.Clone()
	if err != nil {
		return "", err
	}
	parsed, err := tpl.New("inline").Parse(body)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	if err := parsed.Execute(&out, ctx); err != nil {
		return "", err
	}
	return out.String(), nil
}

// Expand renders a campaign document (YAML group list) to the ordered trial
// list.
func (e *Expander) Expand(document string) ([]TaskSpec, error) {
	var groups []Group
	if err := yaml.Unmarshal([]byte(document), &groups); err != nil {
		return nil, fmt.Errorf("invalid campaign document:\n%s\n%w", withLineNumbers(document), err)
	}

	var out []TaskSpec
	for _, group := range groups {
		for _, trial := range group.Trials {
			ctx := make(map[string]string, len(group.Config)+1)
			for key, value := range group.Config {
				ctx[key] = value
			}
			ctx["trial"] = strconv.Itoa(trial)

			rendered, err := e.render(group.Template, ctx)
			if err != nil {
				return nil, fmt.Errorf("failed expanding template %q (trial=%d): %w", group.Template, trial, err)
			}

			var spec TaskSpec
			if err := yaml.Unmarshal([]byte(rendered), &spec); err != nil {
				return nil, fmt.Errorf(
					"failed expanding template %q (trial=%d):\n%s\n%w",
					group.Template, trial, withLineNumbers(rendered), err,
				)
			}
			out = append(out, spec)
		}
	}
	return out, nil
}

func (e *Expander) render(name string, ctx map[string]string) (string, error) {
	tpl := e.templates.Lookup(name)
	if tpl == nil {
		return "", fmt.Errorf("unknown template: %s", name)
	}
	var out strings.Builder
	if err := tpl.Execute(&out, ctx); err != nil {
		return "", err
	}
	return out.String(), nil
}

// withLineNumbers formats a rendered document for error messages, so a
// template author can find the offending line.
func withLineNumbers(document string) string {
	var out strings.Builder
	for i, line := range strings.Split(strings.TrimRight(document, "\n"), "\n") {
		fmt.Fprintf(&out, "%3d | %s\n", i+1, line)
	}
	return out.String()
}
