package mcpserver

// NoteFormatContract describes the metadata block a note must carry to be
// managed by the subsystem. LLM consumers should follow it when creating
// or updating notes.
const NoteFormatContract = `# Ansuz Managed Note Contract

A note is managed by the execution subsystem when its metadata block
carries a permanent identifier.

## Structure

` + "```" + `markdown
---
cruid: 018f3a6c-...                 # REQUIRED – permanent identifier, never changes
type: concept                       # REQUIRED – embedding bucket (concept, person, source, ...)
name: Human-readable name           # REQUIRED – display name
parents:                            # OPTIONAL – ordered list of parent note names
  - "Philosophy"
  - 'Rationalism'
---

Body text in standard Markdown.
` + "```" + `

## Rules

1. **The metadata block is line-oriented.** One field per line; values may
   be bare, 'single'- or "double"-quoted.
2. **` + "`" + `cruid` + "`" + ` is permanent.** Renaming or moving a file never changes it;
   the index healer relies on it to follow the file.
3. **` + "`" + `type` + "`" + ` selects the embedding bucket.** Changing it requires an
   explicit re-embed; the healer flags the change but never rebuilds
   silently.
4. **Parents reference other notes by name** (filename stem, no ` + "`" + `.md` + "`" + `).
   When a referenced note is renamed, the healer rewrites these entries.
5. **File paths** end with ` + "`" + `.md` + "`" + ` and use forward slashes.
`
