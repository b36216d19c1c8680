package pipeline

import (
	"regexp"
	"strings"

	"github.com/replyflow/internal/conversation"
)

// placeholder is a single occurrence of a named slot in a follow-up template.
// Two spellings are accepted: the editor form "[Name]" and the long form
// {{VAR:name|default="..."}}.
type placeholder struct {
	start, end int
	raw        string
	name       string
	options    map[string]string
}

var (
	bracketPattern = regexp.MustCompile(`\[([A-Za-z][A-Za-z0-9_ ]*)\]`)

	// Capture 1 = name, capture 2 = options (may be empty).
	varPattern = regexp.MustCompile(`\{\{VAR:([a-zA-Z0-9_\-]+)((?:\|[^}]+)?)}}`)
	optPattern = regexp.MustCompile(`\|([^=|]+)=([^|]+)`)

	// Long form captures 1 and 2, bracket form capture 3.
	placeholderPattern = regexp.MustCompile(varPattern.String() + `|` + bracketPattern.String())

	spaceRun         = regexp.MustCompile(`[ \t]{2,}`)
	spaceBeforePunct = regexp.MustCompile(`[ \t]+([,.!?;:])`)
)

// FollowUpValues builds the substitution table for a client in a workspace.
func FollowUpValues(client *conversation.Client, ws *conversation.WorkspaceSettings) map[string]string {
	vals := map[string]string{
		"name":      "",
		"firstname": "",
		"phone":     "",
		"workspace": "",
	}
	if client != nil {
		vals["name"] = strings.TrimSpace(client.DisplayName)
		vals["firstname"] = client.FirstName()
		vals["phone"] = client.Phone
	}
	if ws != nil {
		vals["workspace"] = ws.Name
	}
	return vals
}

// parsePlaceholders returns every placeholder in body in order of appearance.
func parsePlaceholders(body string) []placeholder {
	var out []placeholder
	for _, idx := range placeholderPattern.FindAllStringSubmatchIndex(body, -1) {
		ph := placeholder{start: idx[0], end: idx[1], raw: body[idx[0]:idx[1]]}
		if idx[2] != -1 {
			ph.name = body[idx[2]:idx[3]]
			optsRaw := ""
			if idx[4] != -1 {
				optsRaw = body[idx[4]:idx[5]]
			}
			ph.options = parseOptions(optsRaw)
		} else {
			ph.name = body[idx[6]:idx[7]]
			ph.options = map[string]string{}
		}
		out = append(out, ph)
	}
	return out
}

// RenderTemplate substitutes known placeholders in a single pass, so a value
// that itself looks like a placeholder is kept literally. Lookups ignore
// case, spaces and underscores, so [First Name] and {{VAR:first_name}} both
// hit "firstname". Unknown placeholders are left untouched. When a
// placeholder resolves to nothing, the whitespace it leaves behind is tidied.
func RenderTemplate(tpl string, values map[string]string) string {
	emptied := false
	var b strings.Builder
	b.Grow(len(tpl))
	last := 0
	for _, ph := range parsePlaceholders(tpl) {
		b.WriteString(tpl[last:ph.start])
		last = ph.end

		v, known := values[normalizeKey(ph.name)]
		if v == "" {
			if def, ok := ph.options["default"]; ok {
				b.WriteString(def)
				continue
			}
		}
		if !known {
			b.WriteString(ph.raw)
			continue
		}
		if v == "" {
			emptied = true
		}
		b.WriteString(v)
	}
	b.WriteString(tpl[last:])
	out := b.String()

	if emptied {
		out = spaceRun.ReplaceAllString(out, " ")
		out = spaceBeforePunct.ReplaceAllString(out, "$1")
		out = strings.TrimSpace(out)
	}
	return out
}

func normalizeKey(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "")
	name = strings.ReplaceAll(name, "_", "")
	return strings.ReplaceAll(name, "-", "")
}

func parseOptions(raw string) map[string]string {
	opts := map[string]string{}
	if raw == "" {
		return opts
	}
	for _, seg := range optPattern.FindAllStringSubmatch(raw, -1) {
		key := strings.TrimSpace(seg[1])
		val := strings.TrimSpace(seg[2])
		if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
			val = val[1 : len(val)-1]
		}
		opts[strings.ToLower(key)] = decodeEscapes(val)
	}
	return opts
}

// decodeEscapes handles \n, \t, \r and \\; other sequences pass through.
func decodeEscapes(s string) string {
	b := strings.Builder{}
	b.Grow(len(s))
	esc := false
	for _, r := range s {
		if !esc {
			if r == '\\' {
				esc = true
				continue
			}
			b.WriteRune(r)
			continue
		}
		switch r {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteRune(r)
		}
		esc = false
	}
	if esc {
		b.WriteByte('\\')
	}
	return b.String()
}
