package channels

import (
	"fmt"
	"strings"
)

// toolDisplay is one row of the tool log's pluralizer table (spec.md §4.4:
// "Display names, active-verb names, and emoji are table-driven").
type toolDisplay struct {
	emoji      string
	verb       string
	noun       string
	pluralNoun string
}

var toolDisplayTable = map[string]toolDisplay{
	"read_file":  {emoji: "📖", verb: "Read", noun: "file", pluralNoun: "files"},
	"write_file": {emoji: "📝", verb: "Wrote", noun: "file", pluralNoun: "files"},
	"edit_file":  {emoji: "✏️", verb: "Edited", noun: "file", pluralNoun: "files"},
	"list_dir":   {emoji: "📂", verb: "Listed", noun: "directory", pluralNoun: "directories"},
	"grep":       {emoji: "🔍", verb: "Searched", noun: "pattern", pluralNoun: "patterns"},
	"glob":       {emoji: "🔍", verb: "Searched", noun: "glob", pluralNoun: "globs"},
	"bash":       {emoji: "⚡", verb: "Ran", noun: "command", pluralNoun: "commands"},
	"web_fetch":  {emoji: "🌐", verb: "Fetched", noun: "page", pluralNoun: "pages"},
	"web_search": {emoji: "🌐", verb: "Searched", noun: "query", pluralNoun: "queries"},
}

func displayFor(name string) toolDisplay {
	if d, ok := toolDisplayTable[name]; ok {
		return d
	}
	return toolDisplay{emoji: "🔧", verb: "Used", noun: name, pluralNoun: name}
}

// groupToolLog renders a run's tool-call history for a channel status
// message: consecutive calls to the same tool collapse into one line, e.g.
// "📖 Read 3 files" (spec.md §4.4 tool log grouping rules).
func groupToolLog(names []string) string {
	if len(names) == 0 {
		return ""
	}

	type group struct {
		name  string
		count int
	}
	var groups []group
	for _, n := range names {
		if len(groups) > 0 && groups[len(groups)-1].name == n {
			groups[len(groups)-1].count++
			continue
		}
		groups = append(groups, group{name: n, count: 1})
	}

	lines := make([]string, 0, len(groups))
	for _, g := range groups {
		d := displayFor(g.name)
		noun := d.noun
		if g.count != 1 {
			noun = d.pluralNoun
		}
		lines = append(lines, fmt.Sprintf("%s %s %d %s", d.emoji, d.verb, g.count, noun))
	}
	return strings.Join(lines, "\n")
}
