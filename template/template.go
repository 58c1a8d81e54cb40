package template

import (
	"fmt"
	"regexp"
	"strconv"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// UnresolvedVariableError reports a ${name} placeholder with no binding in the
// resolution context. It is raised before any process is launched.
type UnresolvedVariableError struct {
	Name    string
	Command string
}

func (e *UnresolvedVariableError) Error() string {
	return fmt.Sprintf("unresolved placeholder ${%s} in command %q", e.Name, e.Command)
}

// Context holds every value available for substitution: variables declared in
// the descriptor and addresses assigned to instance roles during provisioning.
// It is built once per run and must not be mutated after provisioning finishes.
type Context struct {
	values map[string]string
}

func NewContext() *Context {
	return &Context{values: map[string]string{}}
}

func (c *Context) SetString(name, value string) {
	c.values[name] = value
}

func (c *Context) SetInt(name string, value int) {
	c.values[name] = strconv.Itoa(value)
}

// SetAddress records the network address assigned to an instance role, making
// ${role} resolvable.
func (c *Context) SetAddress(role, addr string) {
	c.values[role] = addr
}

func (c *Context) Lookup(name string) (string, bool) {
	v, ok := c.values[name]
	return v, ok
}

// Refs returns the placeholder names referenced by s, in order of first
// appearance, without duplicates.
func Refs(s string) []string {
	seen := map[string]bool{}
	refs := []string{}
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			refs = append(refs, m[1])
		}
	}
	return refs
}

// Resolve substitutes every ${name} placeholder in command with its value from
// ctx. Substitution is a single textual pass: substituted values are never
// re-scanned, so resolution cannot loop. A string with no placeholders is
// returned unchanged.
func Resolve(command string, ctx *Context) (string, error) {
	var resolveErr *UnresolvedVariableError

	resolved := placeholderRe.ReplaceAllStringFunc(command, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		val, ok := ctx.Lookup(name)
		if !ok {
			if resolveErr == nil {
				resolveErr = &UnresolvedVariableError{Name: name, Command: command}
			}
			return match
		}
		return val
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return resolved, nil
}
