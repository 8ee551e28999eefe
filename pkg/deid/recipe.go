package deid

import (
	"bufio"
	"embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gitlab.com/tozd/go/errors"
)

//go:embed recipes/*.recipe
var builtinRecipes embed.FS

// Action is what a rule does to a matching tag.
type Action int

const (
	// ActionKeep passes the tag through unchanged.
	ActionKeep Action = iota
	// ActionBlank keeps the tag but empties its value.
	ActionBlank
	// ActionReplace substitutes the rule's literal argument.
	ActionReplace
	// ActionRemove deletes the tag.
	ActionRemove
	// ActionHash routes the value through the Hasher.
	ActionHash
	// ActionAdd inserts a tag/value pair after all per-tag rules resolve.
	ActionAdd
)

// String returns the recipe keyword for the action.
func (a Action) String() string {
	switch a {
	case ActionKeep:
		return "KEEP"
	case ActionBlank:
		return "BLANK"
	case ActionReplace:
		return "REPLACE"
	case ActionRemove:
		return "REMOVE"
	case ActionHash:
		return "HASH"
	case ActionAdd:
		return "ADD"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

var actions = map[string]Action{
	"KEEP":    ActionKeep,
	"BLANK":   ActionBlank,
	"REPLACE": ActionReplace,
	"REMOVE":  ActionRemove,
	"HASH":    ActionHash,
	"ADD":     ActionAdd,
}

// selector matches tag keywords. A selector is one of: the wildcard "*",
// a regular expression (prefixed with "~" in recipe text, compiled anchored),
// or a literal keyword.
type selector struct {
	all     bool
	literal string
	pattern *regexp.Regexp
}

func (s selector) matches(keyword string) bool {
	switch {
	case s.all:
		return true
	case s.pattern != nil:
		return s.pattern.MatchString(keyword)
	default:
		return s.literal == keyword
	}
}

func (s selector) String() string {
	switch {
	case s.all:
		return "*"
	case s.pattern != nil:
		return "~" + strings.TrimSuffix(strings.TrimPrefix(s.pattern.String(), "^(?:"), ")$")
	default:
		return s.literal
	}
}

func parseSelector(token string) (selector, error) {
	switch {
	case token == "*":
		return selector{all: true}, nil
	case strings.HasPrefix(token, "~"):
		expr := strings.TrimPrefix(token, "~")
		// Anchored so ".*ID$"-style patterns match whole keywords only.
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return selector{}, errors.Errorf("compiling selector pattern %q: %w", expr, err)
		}
		return selector{pattern: re}, nil
	default:
		return selector{literal: token}, nil
	}
}

// Rule is one parsed recipe line: an action, the selector it applies to and
// an optional literal argument (REPLACE and ADD).
type Rule struct {
	Action   Action
	Selector selector
	Arg      string

	source string // file:line, for diagnostics only
}

// Recipe is an ordered list of rules. Evaluation order is file order, and
// for a given tag the last matching rule wins; overlay recipes appended with
// Extend therefore override the base. Recipes are immutable after parsing
// and shared read-only across workers.
type Recipe struct {
	rules []Rule
	names []string
}

// Names lists the sources this recipe was composed from, in order.
func (r *Recipe) Names() []string {
	return append([]string(nil), r.names...)
}

// Len returns the number of rules.
func (r *Recipe) Len() int {
	return len(r.rules)
}

// Extend appends the rules of overlay after the receiver's rules and returns
// the composition as a new Recipe. Because later rules win, overlay rules can
// re-KEEP or re-HASH tags the base would otherwise drop.
func (r *Recipe) Extend(overlay *Recipe) *Recipe {
	out := &Recipe{
		rules: make([]Rule, 0, len(r.rules)+len(overlay.rules)),
		names: append(append([]string(nil), r.names...), overlay.names...),
	}
	out.rules = append(out.rules, r.rules...)
	out.rules = append(out.rules, overlay.rules...)
	return out
}

// ParseRecipe parses recipe text. Lines are `ACTION SELECTOR [ARGUMENT]`;
// blank lines and `#` comments are ignored. An unknown action keyword or a
// malformed selector is a fatal recipe error: a recipe that cannot be parsed
// in full must not be applied at all.
func ParseRecipe(name, text string) (*Recipe, error) {
	recipe := &Recipe{names: []string{name}}

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rule, err := parseRule(line)
		if err != nil {
			return nil, errors.Errorf("recipe %s line %d: %w", name, lineNo, err)
		}
		rule.source = fmt.Sprintf("%s:%d", name, lineNo)
		recipe.rules = append(recipe.rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Errorf("reading recipe %s: %w", name, err)
	}

	return recipe, nil
}

func parseRule(line string) (Rule, error) {
	fields, err := splitRuleLine(line)
	if err != nil {
		return Rule{}, err
	}
	if len(fields) < 2 {
		return Rule{}, errors.Errorf("expected `ACTION SELECTOR [ARGUMENT]`, got %q", line)
	}

	action, ok := actions[fields[0]]
	if !ok {
		return Rule{}, errors.Errorf("unknown action %q", fields[0])
	}

	sel, err := parseSelector(fields[1])
	if err != nil {
		return Rule{}, err
	}

	rule := Rule{Action: action, Selector: sel}
	if len(fields) > 2 {
		rule.Arg = fields[2]
	}

	switch action {
	case ActionReplace:
		if len(fields) != 3 {
			return Rule{}, errors.Errorf("REPLACE requires a literal argument")
		}
	case ActionAdd:
		if len(fields) != 3 {
			return Rule{}, errors.Errorf("ADD requires a literal argument")
		}
		if sel.literal == "" {
			return Rule{}, errors.Errorf("ADD requires a literal tag name, not a pattern")
		}
	default:
		if len(fields) > 2 {
			return Rule{}, errors.Errorf("%s takes no argument", action)
		}
	}

	return rule, nil
}

// splitRuleLine splits a line into action, selector and an optional argument.
// The argument is either one bare token or one double-quoted literal; a quoted
// literal may contain spaces. Anything else after the selector (unquoted
// trailing tokens, an unbalanced quote) is a syntax error.
func splitRuleLine(line string) ([]string, error) {
	fields := strings.Fields(line)
	if len(fields) <= 2 {
		return fields, nil
	}

	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
	rest = strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))

	if strings.HasPrefix(rest, `"`) {
		inner := rest[1:]
		if !strings.HasSuffix(inner, `"`) || strings.Contains(strings.TrimSuffix(inner, `"`), `"`) {
			return nil, errors.Errorf("argument %s is not a balanced quoted literal", rest)
		}
		return []string{fields[0], fields[1], strings.TrimSuffix(inner, `"`)}, nil
	}
	if len(fields) > 3 {
		return nil, errors.Errorf("unquoted argument %q contains spaces, wrap it in double quotes", rest)
	}
	if strings.Contains(rest, `"`) {
		return nil, errors.Errorf("argument %q has an unbalanced quote", rest)
	}
	return []string{fields[0], fields[1], rest}, nil
}

// LoadRecipeFile parses a recipe from a path on disk.
func LoadRecipeFile(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("reading recipe file %s: %w", path, err)
	}
	return ParseRecipe(path, string(data))
}

// Built-in recipe names.
const (
	BuiltinBase = "base"
	BuiltinMR   = "mr"
)

// LoadBuiltinRecipe parses one of the recipes embedded in the binary.
func LoadBuiltinRecipe(name string) (*Recipe, error) {
	data, err := builtinRecipes.ReadFile("recipes/" + name + ".recipe")
	if err != nil {
		return nil, errors.Errorf("unknown built-in recipe %q: %w", name, err)
	}
	return ParseRecipe("builtin:"+name, string(data))
}

// ComposeRecipes resolves the effective recipe for a run: the built-in base
// (unless disabled), then the built-in MR overlay when requested, then any
// user recipe files, concatenated in that order so later sources override
// earlier ones. At least one source must be selected.
func ComposeRecipes(useBase, useMR bool, extraPaths []string) (*Recipe, error) {
	var composed *Recipe

	add := func(r *Recipe) {
		if composed == nil {
			composed = r
			return
		}
		composed = composed.Extend(r)
	}

	if useBase {
		base, err := LoadBuiltinRecipe(BuiltinBase)
		if err != nil {
			return nil, err
		}
		add(base)
	}
	if useMR {
		mr, err := LoadBuiltinRecipe(BuiltinMR)
		if err != nil {
			return nil, err
		}
		add(mr)
	}
	for _, p := range extraPaths {
		r, err := LoadRecipeFile(p)
		if err != nil {
			return nil, err
		}
		add(r)
	}

	if composed == nil {
		return nil, errors.New("no recipe selected: enable the base recipe or provide a recipe path")
	}
	return composed, nil
}
