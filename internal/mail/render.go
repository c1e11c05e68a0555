package mail

import "strings"

// Render replaces every {{key}} in tmpl with vars[key]. Unknown placeholders
// are left as-is. Values are inserted verbatim, without escaping.
func Render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*4)
	for k, v := range vars {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		pairs = append(pairs, "{{"+k+"}}", v, "{{ "+k+" }}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
