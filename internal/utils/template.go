package utils

import (
	"fmt"
	"regexp"
	"strconv"
)

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// SubstituteVariables replaces {{name}} placeholders in a template with the
// corresponding context variable. Unknown placeholders are left untouched so
// a missing variable is visible in the outgoing text instead of silently
// disappearing.
func SubstituteVariables(template string, variables map[string]interface{}) string {
	if template == "" || len(variables) == 0 {
		return template
	}
	return templateVarPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := templateVarPattern.FindStringSubmatch(match)[1]
		value, ok := variables[name]
		if !ok {
			return match
		}
		return Stringify(value)
	})
}

// Stringify renders a context variable for templating. JSON numbers decode as
// float64, so integral floats are printed without a trailing ".000000".
func Stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
