// Package notemeta extracts the structured metadata block of a managed
// note. It is deliberately narrow: four fields (identifier, type, name,
// parents), line-oriented matching, no full YAML parse. Tolerance rules are
// part of the contract: keys match case-insensitively with arbitrary
// surrounding whitespace, and values may be bare, 'single'- or
// "double"-quoted.
package notemeta

import (
	"bufio"
	"bytes"
	"strings"
)

const delim = "---"

// Meta holds the extracted metadata of one note. A note without an
// identifier is not managed by the subsystem.
type Meta struct {
	UID     string
	Type    string
	Name    string
	Parents []string
}

// Managed reports whether the note carries a permanent identifier.
func (m Meta) Managed() bool { return m.UID != "" }

// Extract scans the metadata block at the top of data. Content without a
// block, or without any recognised fields, yields a zero Meta.
func Extract(data []byte) Meta {
	var meta Meta

	block, ok := metadataBlock(data)
	if !ok {
		return meta
	}

	inParents := false
	sc := bufio.NewScanner(bytes.NewReader(block))
	for sc.Scan() {
		line := sc.Text()

		if inParents {
			if item, ok := listItem(line); ok {
				meta.Parents = append(meta.Parents, item)
				continue
			}
			inParents = false
		}

		key, value, ok := splitKey(line)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "cruid", "id":
			meta.UID = unquote(value)
		case "type":
			meta.Type = unquote(value)
		case "name", "title":
			meta.Name = unquote(value)
		case "parents":
			if items, ok := inlineList(value); ok {
				meta.Parents = append(meta.Parents, items...)
			} else if strings.TrimSpace(value) == "" {
				inParents = true
			}
		}
	}
	return meta
}

// metadataBlock returns the bytes between the leading --- delimiters, or
// ok=false when the content has no block.
func metadataBlock(data []byte) ([]byte, bool) {
	trimmed := bytes.TrimLeft(data, "\n\r")
	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, false
	}
	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, false
	}
	return rest[:idx], true
}

// splitKey splits a "key: value" line. Lines that are list items or have no
// colon are not key lines.
func splitKey(line string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	i := strings.Index(trimmed, ":")
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(trimmed[:i]), strings.TrimSpace(trimmed[i+1:]), true
}

// listItem matches a "- value" list entry.
func listItem(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "-") {
		return "", false
	}
	item := unquote(strings.TrimSpace(trimmed[1:]))
	if item == "" {
		return "", false
	}
	return item, true
}

// inlineList matches a "[a, b, c]" flow-style list.
func inlineList(value string) ([]string, bool) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, "]") {
		return nil, false
	}
	inner := trimmed[1 : len(trimmed)-1]
	if strings.TrimSpace(inner) == "" {
		return nil, true
	}
	var out []string
	for _, part := range strings.Split(inner, ",") {
		if item := unquote(strings.TrimSpace(part)); item != "" {
			out = append(out, item)
		}
	}
	return out, true
}

// unquote strips one level of matching single or double quotes.
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
