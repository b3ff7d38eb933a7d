package notemeta

import (
	"strings"
	"testing"
)

func TestExtractBasics(t *testing.T) {
	data := []byte(`---
cruid: abc-123
type: concept
name: Descartes
---

# Descartes

Body text.
`)
	m := Extract(data)
	if m.UID != "abc-123" || m.Type != "concept" || m.Name != "Descartes" {
		t.Errorf("Extract = %+v", m)
	}
	if !m.Managed() {
		t.Error("note with identifier should be managed")
	}
}

func TestExtractTolerance(t *testing.T) {
	data := []byte(`---
  CRUID:   "abc-123"
Type: 'person'
TITLE: 'René Descartes'
---
body`)
	m := Extract(data)
	if m.UID != "abc-123" {
		t.Errorf("UID = %q", m.UID)
	}
	if m.Type != "person" {
		t.Errorf("Type = %q", m.Type)
	}
	if m.Name != "René Descartes" {
		t.Errorf("Name = %q", m.Name)
	}
}

func TestExtractIDAlias(t *testing.T) {
	m := Extract([]byte("---\nid: xyz\n---\n"))
	if m.UID != "xyz" {
		t.Errorf("UID = %q, want xyz", m.UID)
	}
}

func TestExtractBlockParents(t *testing.T) {
	data := []byte(`---
cruid: u1
parents:
  - "Philosophy"
  - 'Rationalism'
  - Mathematics
type: concept
---
`)
	m := Extract(data)
	want := []string{"Philosophy", "Rationalism", "Mathematics"}
	if len(m.Parents) != len(want) {
		t.Fatalf("Parents = %v", m.Parents)
	}
	for i := range want {
		if m.Parents[i] != want[i] {
			t.Errorf("Parents[%d] = %q, want %q", i, m.Parents[i], want[i])
		}
	}
	// A key after the list must still be picked up.
	if m.Type != "concept" {
		t.Errorf("Type after list = %q", m.Type)
	}
}

func TestExtractInlineParents(t *testing.T) {
	m := Extract([]byte("---\ncruid: u1\nparents: [\"A\", 'B', C]\n---\n"))
	want := []string{"A", "B", "C"}
	if len(m.Parents) != 3 {
		t.Fatalf("Parents = %v", m.Parents)
	}
	for i := range want {
		if m.Parents[i] != want[i] {
			t.Errorf("Parents[%d] = %q", i, m.Parents[i])
		}
	}
}

func TestExtractUnmanaged(t *testing.T) {
	for _, data := range []string{
		"# Just a heading\n\nNo metadata at all.\n",
		"---\nunterminated block\n",
		"---\ntags: [a, b]\n---\nhas a block but no identifier",
		"",
	} {
		m := Extract([]byte(data))
		if m.Managed() {
			t.Errorf("Managed() true for %q", data)
		}
	}
}

func TestExtractIgnoresBodyLookalikes(t *testing.T) {
	data := []byte(`---
cruid: real
---

A body paragraph mentioning cruid: fake should not win.
`)
	m := Extract(data)
	if m.UID != "real" {
		t.Errorf("UID = %q, body leaked into metadata", m.UID)
	}
}

func TestReplaceParentBlockList(t *testing.T) {
	data := []byte(`---
cruid: u1
parents:
  - "Old Name"
  - Other
---

Body mentions Old Name and must stay untouched.
`)
	out, changed := ReplaceParent(data, "Old Name", "New Name")
	if !changed {
		t.Fatal("expected substitution")
	}
	s := string(out)
	if !strings.Contains(s, `- "New Name"`) {
		t.Errorf("quoting not preserved:\n%s", s)
	}
	if !strings.Contains(s, "Body mentions Old Name") {
		t.Errorf("body was rewritten:\n%s", s)
	}
	m := Extract(out)
	if len(m.Parents) != 2 || m.Parents[0] != "New Name" || m.Parents[1] != "Other" {
		t.Errorf("Parents after rewrite = %v", m.Parents)
	}
}

func TestReplaceParentInlineList(t *testing.T) {
	data := []byte("---\ncruid: u1\nparents: ['Math', 'Mathematics']\n---\n")
	out, changed := ReplaceParent(data, "Math", "Logic")
	if !changed {
		t.Fatal("expected substitution")
	}
	m := Extract(out)
	if len(m.Parents) != 2 || m.Parents[0] != "Logic" || m.Parents[1] != "Mathematics" {
		t.Errorf("Parents = %v; substring entry must not be touched", m.Parents)
	}
}

func TestReplaceParentNoMatch(t *testing.T) {
	data := []byte("---\ncruid: u1\nparents:\n  - A\n---\n")
	out, changed := ReplaceParent(data, "B", "C")
	if changed {
		t.Error("no entry matches, nothing should change")
	}
	if string(out) != string(data) {
		t.Error("content modified without a match")
	}
}

func TestReplaceParentNoBlock(t *testing.T) {
	data := []byte("plain content, no metadata")
	if _, changed := ReplaceParent(data, "A", "B"); changed {
		t.Error("content without a block cannot change")
	}
}
