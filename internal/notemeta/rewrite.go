package notemeta

import (
	"bytes"
	"strings"
)

// ReplaceParent rewrites parent-list entries equal to oldName with newName,
// as a text-level substitution inside the metadata block only. The note
// body is never touched and quoting style is preserved. Returns the
// (possibly unchanged) content and whether a substitution happened.
func ReplaceParent(data []byte, oldName, newName string) ([]byte, bool) {
	block, ok := metadataBlock(data)
	if !ok {
		return data, false
	}

	lines := strings.Split(string(block), "\n")
	changed := false
	inParents := false
	for i, line := range lines {
		if inParents {
			if item, ok := listItem(line); ok {
				if item == oldName {
					lines[i] = swapValue(line, oldName, newName)
					changed = true
				}
				continue
			}
			inParents = false
		}
		key, value, ok := splitKey(line)
		if !ok {
			continue
		}
		if strings.ToLower(key) == "parents" {
			if _, isInline := inlineList(value); isInline {
				if rewritten, ok := rewriteInline(line, oldName, newName); ok {
					lines[i] = rewritten
					changed = true
				}
			} else if strings.TrimSpace(value) == "" {
				inParents = true
			}
		}
	}
	if !changed {
		return data, false
	}

	newBlock := strings.Join(lines, "\n")
	out := bytes.Replace(data, block, []byte(newBlock), 1)
	return out, true
}

// swapValue replaces the first occurrence of oldName inside line, keeping
// surrounding quotes and whitespace intact. Only called for list-item lines
// whose unquoted value equals oldName exactly.
func swapValue(line, oldName, newName string) string {
	return strings.Replace(line, oldName, newName, 1)
}

// rewriteInline rebuilds a "parents: [a, b]" line, swapping entries equal
// to oldName item-by-item so a substring of an unrelated entry is never
// touched.
func rewriteInline(line, oldName, newName string) (string, bool) {
	open := strings.Index(line, "[")
	end := strings.LastIndex(line, "]")
	if open < 0 || end < open {
		return line, false
	}
	parts := strings.Split(line[open+1:end], ",")
	changed := false
	for i, part := range parts {
		if unquote(strings.TrimSpace(part)) == oldName {
			parts[i] = strings.Replace(part, oldName, newName, 1)
			changed = true
		}
	}
	if !changed {
		return line, false
	}
	return line[:open+1] + strings.Join(parts, ",") + line[end:], true
}
