// pkg/predicates/predicates.go - Evaluation of conditional_items predicates.
//
// A predicate is a string of the form "key OPERATOR value", optionally
// joined with AND/OR, evaluated against an ambient context of machine
// facts. The resolver augments the context with the effective catalog set
// before each evaluation.

package predicates

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/macadmins/gomunki/pkg/logging"
)

// Context is the fact set a predicate is evaluated against.
type Context map[string]interface{}

// MachineContext gathers the ambient machine facts once per run.
func MachineContext() Context {
	ctx := Context{"arch": normalizeArch(runtime.GOARCH)}

	if hostname, err := os.Hostname(); err == nil {
		ctx["hostname"] = hostname
	}
	if info, err := host.Info(); err == nil {
		ctx["os_vers"] = info.PlatformVersion
		parts := strings.Split(info.PlatformVersion, ".")
		if len(parts) > 0 {
			if major, err := strconv.Atoi(parts[0]); err == nil {
				ctx["os_vers_major"] = major
			}
		}
		if len(parts) > 1 {
			if minor, err := strconv.Atoi(parts[1]); err == nil {
				ctx["os_vers_minor"] = minor
			}
		}
		ctx["machine_model"] = info.Platform
	}
	return ctx
}

func normalizeArch(arch string) string {
	switch arch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "arm64"
	}
	return arch
}

// WithCatalogs returns a copy of ctx carrying the effective catalog set.
func (c Context) WithCatalogs(catalogs []string) Context {
	out := make(Context, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	out["catalogs"] = catalogs
	return out
}

// Evaluate parses and evaluates a predicate string. Unknown keys evaluate
// to false rather than failing the whole manifest; the warning carries the
// key for manifest authors.
func Evaluate(predicate string, ctx Context) (bool, error) {
	predicate = strings.TrimSpace(predicate)
	if predicate == "" {
		return true, nil
	}

	if parts, ok := splitTopLevel(predicate, " OR "); ok {
		for _, part := range parts {
			result, err := Evaluate(part, ctx)
			if err != nil {
				logging.Warn("Predicate clause failed in OR group", "clause", part, "error", err)
				continue
			}
			if result {
				return true, nil
			}
		}
		return false, nil
	}

	if parts, ok := splitTopLevel(predicate, " AND "); ok {
		for _, part := range parts {
			result, err := Evaluate(part, ctx)
			if err != nil {
				return false, err
			}
			if !result {
				return false, nil
			}
		}
		return true, nil
	}

	return evaluateComparison(predicate, ctx)
}

// splitTopLevel splits on sep outside quoted regions, case-insensitively.
func splitTopLevel(s, sep string) ([]string, bool) {
	upper := strings.ToUpper(s)
	sepUpper := strings.ToUpper(sep)
	var parts []string
	start := 0
	inQuote := byte(0)
	for i := 0; i+len(sep) <= len(s); i++ {
		ch := s[i]
		if inQuote != 0 {
			if ch == inQuote {
				inQuote = 0
			}
			continue
		}
		if ch == '"' || ch == '\'' {
			inQuote = ch
			continue
		}
		if upper[i:i+len(sep)] == sepUpper {
			parts = append(parts, strings.TrimSpace(s[start:i]))
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	if len(parts) == 0 {
		return nil, false
	}
	parts = append(parts, strings.TrimSpace(s[start:]))
	return parts, true
}

func evaluateComparison(expr string, ctx Context) (bool, error) {
	tokens := tokenize(expr)
	if len(tokens) < 3 {
		return false, fmt.Errorf("invalid predicate %q, expected 'key operator value'", expr)
	}

	// "ANY key op value" applies the comparison across a list fact.
	anyPrefix := false
	if strings.EqualFold(tokens[0], "ANY") {
		anyPrefix = true
		tokens = tokens[1:]
		if len(tokens) < 3 {
			return false, fmt.Errorf("invalid predicate %q after ANY", expr)
		}
	}

	key := tokens[0]
	operator := strings.ToUpper(tokens[1])
	value := unquote(strings.Join(tokens[2:], " "))

	factValue, ok := ctx[key]
	if !ok {
		return false, fmt.Errorf("unknown predicate key %q", key)
	}

	if list, isList := factValue.([]string); isList {
		for _, item := range list {
			match, err := compare(item, operator, value)
			if err != nil {
				return false, err
			}
			if match {
				return true, nil
			}
		}
		return false, nil
	}
	_ = anyPrefix // ANY against a scalar behaves like a plain comparison.
	return compare(factValue, operator, value)
}

func tokenize(expr string) []string {
	var tokens []string
	var current strings.Builder
	inQuote := byte(0)
	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		switch {
		case inQuote != 0:
			current.WriteByte(ch)
			if ch == inQuote {
				inQuote = 0
			}
		case ch == '"' || ch == '\'':
			inQuote = ch
			current.WriteByte(ch)
		case ch == ' ':
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(ch)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func compare(factValue interface{}, operator, value string) (bool, error) {
	fact := toString(factValue)
	switch operator {
	case "==", "=":
		return equalFold(factValue, value), nil
	case "!=", "<>":
		return !equalFold(factValue, value), nil
	case ">", "<", ">=", "<=":
		return compareOrdered(factValue, operator, value)
	case "CONTAINS":
		return strings.Contains(strings.ToLower(fact), strings.ToLower(value)), nil
	case "BEGINSWITH":
		return strings.HasPrefix(strings.ToLower(fact), strings.ToLower(value)), nil
	case "ENDSWITH":
		return strings.HasSuffix(strings.ToLower(fact), strings.ToLower(value)), nil
	case "LIKE":
		return matchLike(strings.ToLower(fact), strings.ToLower(value)), nil
	case "IN":
		for _, item := range strings.Split(strings.Trim(value, "{}"), ",") {
			if strings.EqualFold(fact, unquote(strings.TrimSpace(item))) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown predicate operator %q", operator)
	}
}

func equalFold(factValue interface{}, value string) bool {
	if n, ok := toFloat(factValue); ok {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return n == v
		}
	}
	return strings.EqualFold(toString(factValue), value)
}

func compareOrdered(factValue interface{}, operator, value string) (bool, error) {
	n, ok := toFloat(factValue)
	if !ok {
		return false, fmt.Errorf("ordered comparison against non-numeric fact %v", factValue)
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false, fmt.Errorf("ordered comparison against non-numeric value %q", value)
	}
	switch operator {
	case ">":
		return n > v, nil
	case "<":
		return n < v, nil
	case ">=":
		return n >= v, nil
	default:
		return n <= v, nil
	}
}

// matchLike supports the * and ? wildcards of NSPredicate LIKE.
func matchLike(s, pattern string) bool {
	if pattern == "" {
		return s == ""
	}
	if pattern[0] == '*' {
		for i := 0; i <= len(s); i++ {
			if matchLike(s[i:], pattern[1:]) {
				return true
			}
		}
		return false
	}
	if s == "" {
		return false
	}
	if pattern[0] == '?' || pattern[0] == s[0] {
		return matchLike(s[1:], pattern[1:])
	}
	return false
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
