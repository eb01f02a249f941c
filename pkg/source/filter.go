package source

import "strings"

// Filter holds keyword lists for region membership checks.
type Filter struct {
	keywords []string
	exclude  []string
}

// NewFilter creates a filter. An empty keyword list matches everything that
// is not excluded.
func NewFilter(keywords, excludeKeywords []string) *Filter {
	f := &Filter{}
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			f.keywords = append(f.keywords, kw)
		}
	}
	for _, kw := range excludeKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			f.exclude = append(f.exclude, kw)
		}
	}
	return f
}

// Matches returns true if text contains one of the keywords (case-insensitive)
// and none of the excluded ones.
func (f *Filter) Matches(text string) bool {
	lower := strings.ToLower(text)

	for _, ex := range f.exclude {
		if strings.Contains(lower, ex) {
			return false
		}
	}

	if len(f.keywords) == 0 {
		return true
	}
	for _, kw := range f.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// MatchesItem checks the item's title and summary.
func (f *Filter) MatchesItem(it *Item) bool {
	return f.Matches(it.Text())
}
