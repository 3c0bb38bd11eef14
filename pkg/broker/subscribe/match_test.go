package subscribe

import "testing"

func TestParseFilter(t *testing.T) {
	cases := []struct {
		raw, group, filter string
	}{
		{"a/b/c", "", "a/b/c"},
		{"$share/g1/a/b", "g1", "a/b"},
		{"$share/g1/a/+/c", "g1", "a/+/c"},
		{"$share/noslash", "", "$share/noslash"},
	}
	for _, c := range cases {
		group, filter := ParseFilter(c.raw)
		if group != c.group || filter != c.filter {
			t.Errorf("ParseFilter(%q) = (%q, %q), want (%q, %q)", c.raw, group, filter, c.group, c.filter)
		}
	}
}

func TestMatchTopicWildcards(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/+/c", "a/x/c", true},
		{"a/+/c", "a/x/y/c", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"#", "a/b/c", true},
		{"a/b/+", "a/b", false},
		{"$SYS/foo", "$SYS/foo", true},
		{"+/foo", "$SYS/foo", false},
		{"#", "$SYS/foo", false},
	}
	for _, c := range cases {
		got := MatchTopic(c.filter, c.topic)
		if got != c.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", c.filter, c.topic, got, c.want)
		}
	}
}

func TestValidFilter(t *testing.T) {
	valid := []string{"a/b/c", "a/+/c", "a/#", "#", "+", "a/+"}
	invalid := []string{"a/#/c", "a/b#", "a/b+", "#/a"}
	for _, f := range valid {
		if !ValidFilter(f) {
			t.Errorf("ValidFilter(%q) = false, want true", f)
		}
	}
	for _, f := range invalid {
		if ValidFilter(f) {
			t.Errorf("ValidFilter(%q) = true, want false", f)
		}
	}
}
