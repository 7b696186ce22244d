package gitrepo

import "testing"

func TestRepoName(t *testing.T) {
	cases := map[string]string{
		"https://github.com/acme/widgets.git": "widgets",
		"https://github.com/acme/widgets":     "widgets",
		"git@github.com:acme/widgets.git":     "widgets",
		"https://example.com/repo/":           "repo",
	}
	for url, want := range cases {
		if got := RepoName(url); got != want {
			t.Errorf("RepoName(%q) = %q, want %q", url, got, want)
		}
	}
}

func TestLockIsStableAcrossCalls(t *testing.T) {
	a := Lock("/tmp/x")
	b := Lock("/tmp/x")
	if a != b {
		t.Fatal("Lock() returned different mutexes for the same path")
	}
	c := Lock("/tmp/y")
	if a == c {
		t.Fatal("Lock() returned the same mutex for different paths")
	}
}
