package models

import "strings"

// MatchesResource reports whether the match pattern selects a resource
// exported as exporter/group/class. Empty segments behave like "*".
func (m Match) MatchesResource(exporter, group, class string) bool {
	return segMatch(m.Exporter, exporter) &&
		segMatch(m.Group, group) &&
		segMatch(m.Class, class)
}

func segMatch(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return pattern == value
}

// ParseMatch splits an "exporter/group/class" pattern. Shorter patterns
// leave trailing segments as "*", so "rack1" matches everything on rack1.
func ParseMatch(pattern string) Match {
	m := Match{Exporter: "*", Group: "*", Class: "*"}
	parts := strings.Split(pattern, "/")
	if len(parts) > 0 && parts[0] != "" {
		m.Exporter = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		m.Group = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		m.Class = parts[2]
	}
	return m
}

func (m Match) Pattern() string {
	return m.Exporter + "/" + m.Group + "/" + m.Class
}

// TagsMatch reports whether every key=value of filter is present in tags.
// An empty filter matches any place.
func TagsMatch(filter, tags map[string]string) bool {
	for k, v := range filter {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// ParseTagFilter converts "k=v" strings into a filter map. Entries without
// "=" or with an empty key are reported via the returned bad slice.
func ParseTagFilter(args []string) (filter map[string]string, bad []string) {
	filter = map[string]string{}
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			bad = append(bad, a)
			continue
		}
		filter[k] = v
	}
	return filter, bad
}
