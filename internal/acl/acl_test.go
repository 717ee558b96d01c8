package acl

import "testing"

func mustParse(t *testing.T, subject string, allow bool) Rule {
	t.Helper()
	r, err := Parse(subject, allow)
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", subject, err)
	}
	return r
}

func TestParseSubjects(t *testing.T) {
	cases := []struct {
		subject string
		want    string
	}{
		{"*", "*"},
		{"*@s2.example", "*@s2.example"},
		{"alice@s2.example", "alice@s2.example"},
		{"alice", "alice"},
	}
	for _, c := range cases {
		r := mustParse(t, c.subject, true)
		if got := r.Subject(); got != c.want {
			t.Errorf("Subject() = %q, want %q", got, c.want)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, subject := range []string{"", "@s2", "alice@", "@"} {
		if _, err := Parse(subject, true); err == nil {
			t.Errorf("Parse(%q) should fail", subject)
		}
	}
}

func TestFirstMatchWins(t *testing.T) {
	l := List{Rules: []Rule{
		mustParse(t, "alice@s2.example", false),
		mustParse(t, "*@s2.example", true),
	}}
	if l.Check("alice", "s2.example") {
		t.Error("alice@s2.example should be denied by the first rule")
	}
	if !l.Check("bob", "s2.example") {
		t.Error("bob@s2.example should be allowed by the second rule")
	}
	if l.Check("carol", "s3.example") {
		t.Error("unmatched principal should fall to default deny")
	}
}

func TestLocalOnlyRule(t *testing.T) {
	l := List{Rules: []Rule{mustParse(t, "alice", true)}}
	if !l.Check("alice", "") {
		t.Error("local alice should match")
	}
	if l.Check("alice", "s2.example") {
		t.Error("remote alice should not match a local-only rule")
	}
}

func TestDefaults(t *testing.T) {
	if DefaultAccess().Check("anyone", "") {
		t.Error("access lists default to deny")
	}
	if !DefaultMessage().Check("anyone", "") {
		t.Error("message lists default to allow")
	}
}

// Adding a deny rule can only shrink the allowed set; removing an allow
// rule likewise. Differential check over a principal sample.
func TestMonotonicity(t *testing.T) {
	sample := [][2]string{
		{"alice", ""}, {"bob", ""},
		{"alice", "s2.example"}, {"bob", "s2.example"},
		{"carol", "s3.example"},
	}
	base := List{Rules: []Rule{
		mustParse(t, "*@s2.example", true),
		mustParse(t, "alice", true),
	}}
	withDeny := List{Rules: append([]Rule{mustParse(t, "bob@s2.example", false)}, base.Rules...)}
	for _, p := range sample {
		if withDeny.Check(p[0], p[1]) && !base.Check(p[0], p[1]) {
			t.Errorf("deny rule granted access to %s@%s", p[0], p[1])
		}
	}

	removed := List{Rules: base.Rules[1:]} // drop the *@s2 allow
	for _, p := range sample {
		if removed.Check(p[0], p[1]) && !base.Check(p[0], p[1]) {
			t.Errorf("removing an allow granted access to %s@%s", p[0], p[1])
		}
	}
}

func TestCheckPrincipal(t *testing.T) {
	l := List{Rules: []Rule{mustParse(t, "*@s2.example", true)}}
	if !l.CheckPrincipal("anyone@s2.example") {
		t.Error("remote principal should match")
	}
	if l.CheckPrincipal("anyone") {
		t.Error("local principal should fall through to default deny")
	}
}
