package template

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Both {name} and {{name}} are accepted. Either brace may be doubled on its own, so an
// unbalanced {{name} is still consumed whole.
var placeholderRe = regexp.MustCompile(`\{\{?\s*(\w+)\s*\}?\}`)

type Template struct {
	Subject   string   `json:"subject,omitempty"`
	Body      string   `json:"body"`
	Variables []string `json:"variables,omitempty"`
}

type Rendered struct {
	Subject string
	Body    string
}

// UnknownVariableError names a placeholder that is used but not declared.
type UnknownVariableError struct {
	Name string
}

func (e *UnknownVariableError) Error() string {
	return fmt.Sprintf("variable %q is not declared", e.Name)
}

var ErrEmptyBody = errors.New("template body is empty")

// Render replaces every bound placeholder. Unbound placeholders are left as written.
func Render(text string, bindings map[string]string) string {
	if len(bindings) == 0 || text == "" {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderName(match)
		if v, ok := bindings[name]; ok {
			return v
		}
		return match
	})
}

func RenderTemplate(t Template, bindings map[string]string) Rendered {
	return Rendered{
		Subject: Render(t.Subject, bindings),
		Body:    Render(t.Body, bindings),
	}
}

// ExtractVariables returns the set of placeholder names used in text.
func ExtractVariables(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		out[m[1]] = struct{}{}
	}
	return out
}

// Validate reports one error per placeholder used in text but missing from declared.
// Errors are ordered by variable name.
func Validate(text string, declared []string) []error {
	known := make(map[string]struct{}, len(declared))
	for _, d := range declared {
		known[strings.TrimSpace(d)] = struct{}{}
	}
	var missing []string
	for name := range ExtractVariables(text) {
		if _, ok := known[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	errs := make([]error, 0, len(missing))
	for _, name := range missing {
		errs = append(errs, &UnknownVariableError{Name: name})
	}
	return errs
}

// ValidateTemplate checks subject and body together; an undeclared variable is reported once.
func ValidateTemplate(t Template) []error {
	var errs []error
	if strings.TrimSpace(t.Body) == "" {
		errs = append(errs, ErrEmptyBody)
	}
	return append(errs, Validate(t.Subject+"\n"+t.Body, t.Variables)...)
}

func placeholderName(match string) string {
	return strings.TrimSpace(strings.Trim(match, "{}"))
}
