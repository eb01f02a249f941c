package source

import "time"

// Category is one ingestion pipeline: its schedule, item cap, optional
// keyword filter and the sources polled for it.
type Category struct {
	Name     string
	Interval time.Duration
	MaxItems int
	Keywords []string
	Exclude  []string
	Sources  []Descriptor
}

// Filtered reports whether the category drops items by keyword.
func (c Category) Filtered() bool { return len(c.Keywords) > 0 || len(c.Exclude) > 0 }

// Registry is the static list of categories and their sources. It is built
// once from configuration and read concurrently afterwards.
type Registry struct {
	categories []Category
	byName     map[string]int
}

// NewRegistry copies cats and stamps each source with its category name.
func NewRegistry(cats []Category) *Registry {
	r := &Registry{byName: make(map[string]int, len(cats))}
	for _, c := range cats {
		cp := c
		cp.Keywords = append([]string(nil), c.Keywords...)
		cp.Exclude = append([]string(nil), c.Exclude...)
		cp.Sources = make([]Descriptor, len(c.Sources))
		for i, s := range c.Sources {
			s.Category = c.Name
			cp.Sources[i] = s
		}
		r.byName[c.Name] = len(r.categories)
		r.categories = append(r.categories, cp)
	}
	return r
}

// Categories returns every category in configuration order.
func (r *Registry) Categories() []Category {
	out := make([]Category, len(r.categories))
	copy(out, r.categories)
	return out
}

// Category looks a category up by name.
func (r *Registry) Category(name string) (Category, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Category{}, false
	}
	return r.categories[i], true
}

// Names returns the category names in configuration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.categories))
	for i, c := range r.categories {
		names[i] = c.Name
	}
	return names
}

// All returns every source across categories.
func (r *Registry) All() []Descriptor {
	var all []Descriptor
	for _, c := range r.categories {
		all = append(all, c.Sources...)
	}
	return all
}
