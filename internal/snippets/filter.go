package snippets

import (
	"sort"
	"strings"
)

// Filter narrows a snippet list. Zero fields match everything.
type Filter struct {
	Search   string   `json:"search"`
	Tags     []string `json:"tags"`
	Language string   `json:"language"`
}

// Active reports whether any criterion is set.
func (f Filter) Active() bool {
	return f.Search != "" || len(f.Tags) > 0 || f.Language != ""
}

// Matches reports whether snippet satisfies every criterion: a
// case-insensitive substring of title, description or code, all selected
// tags, and the exact language.
func (f Filter) Matches(snippet Snippet) bool {
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(snippet.Title), needle) &&
			!strings.Contains(strings.ToLower(snippet.Description), needle) &&
			!strings.Contains(strings.ToLower(snippet.Code), needle) {
			return false
		}
	}
	for _, tag := range f.Tags {
		if !snippet.HasTag(tag) {
			return false
		}
	}
	if f.Language != "" && snippet.Language != f.Language {
		return false
	}
	return true
}

// Apply returns the snippets of list that match f, preserving order.
func Apply(list []Snippet, f Filter) []Snippet {
	if !f.Active() {
		return list
	}
	matched := make([]Snippet, 0, len(list))
	for _, snippet := range list {
		if f.Matches(snippet) {
			matched = append(matched, snippet)
		}
	}
	return matched
}

// AllTags returns the distinct tags used across list, sorted ascending.
func AllTags(list []Snippet) []string {
	set := make(map[string]struct{})
	for _, snippet := range list {
		for _, tag := range snippet.Tags {
			set[tag] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// AllLanguages returns the distinct non-empty languages across list, sorted
// ascending.
func AllLanguages(list []Snippet) []string {
	set := make(map[string]struct{})
	for _, snippet := range list {
		if snippet.Language != "" {
			set[snippet.Language] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
