// Package querytemplate renders parameterized text templates such as SQL
// recipient queries.
//
// Placeholders have the form {{ name }} where name is an identifier made of
// letters, digits and underscores. Substitution is purely textual: values are
// not quoted, escaped or interpreted. Templates must only ever be executed by a
// read-only database role.
package querytemplate

import (
	"fmt"
	"sort"
	"strings"

	"notify-dispatch/internal/common/errors"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Render substitutes supplied into template. The supplied keys must exactly
// equal required, and the template may only reference required names.
func Render(template string, required []string, supplied map[string]string) (string, error) {
	declared := make(map[string]struct{}, len(required))
	for _, name := range required {
		declared[name] = struct{}{}
	}

	if err := checkParameters(declared, supplied); err != nil {
		return "", err
	}

	segments, err := parse(template)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(template))
	for _, seg := range segments {
		if !seg.placeholder {
			b.WriteString(seg.text)
			continue
		}
		if _, ok := declared[seg.text]; !ok {
			return "", errors.NewTemplateError(fmt.Sprintf("placeholder %q is not a declared parameter", seg.text))
		}
		b.WriteString(supplied[seg.text])
	}
	return b.String(), nil
}

// Placeholders lists the distinct placeholder names referenced by template, sorted.
func Placeholders(template string) ([]string, error) {
	segments, err := parse(template)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var names []string
	for _, seg := range segments {
		if !seg.placeholder {
			continue
		}
		if _, ok := seen[seg.text]; ok {
			continue
		}
		seen[seg.text] = struct{}{}
		names = append(names, seg.text)
	}
	sort.Strings(names)
	return names, nil
}

func checkParameters(declared map[string]struct{}, supplied map[string]string) error {
	var missing, extra []string
	for name := range declared {
		if _, ok := supplied[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range supplied {
		if _, ok := declared[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return errors.NewParameterMismatchError(missing, extra)
}

type segment struct {
	text        string
	placeholder bool
}

func parse(template string) ([]segment, error) {
	var out []segment
	rest := template
	offset := 0
	for {
		open := strings.Index(rest, openDelim)
		if open < 0 {
			if strings.Contains(rest, closeDelim) {
				return nil, errors.NewTemplateError(fmt.Sprintf("unmatched %q at offset %d", closeDelim, offset+strings.Index(rest, closeDelim)))
			}
			if rest != "" {
				out = append(out, segment{text: rest})
			}
			return out, nil
		}
		if stray := strings.Index(rest[:open], closeDelim); stray >= 0 {
			return nil, errors.NewTemplateError(fmt.Sprintf("unmatched %q at offset %d", closeDelim, offset+stray))
		}
		if open > 0 {
			out = append(out, segment{text: rest[:open]})
		}

		body := rest[open+len(openDelim):]
		end := strings.Index(body, closeDelim)
		if end < 0 {
			return nil, errors.NewTemplateError(fmt.Sprintf("unclosed %q at offset %d", openDelim, offset+open))
		}
		name := strings.TrimSpace(body[:end])
		if !isIdentifier(name) {
			return nil, errors.NewTemplateError(fmt.Sprintf("invalid placeholder %q at offset %d", body[:end], offset+open))
		}
		out = append(out, segment{text: name, placeholder: true})

		consumed := open + len(openDelim) + end + len(closeDelim)
		rest = rest[consumed:]
		offset += consumed
	}
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
