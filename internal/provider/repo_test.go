package provider

import (
	"errors"
	"testing"
)

func TestParseRepo(t *testing.T) {
	tests := []struct {
		in   string
		want Repo
	}{
		{"owner/repo", Repo{"github", "owner", "repo"}},
		{"  owner/repo  ", Repo{"github", "owner", "repo"}},
		{"https://github.com/owner/repo", Repo{"github", "owner", "repo"}},
		{"https://github.com/owner/repo/", Repo{"github", "owner", "repo"}},
		{"https://www.github.com/owner/repo.git", Repo{"github", "owner", "repo"}},
		{"http://github.com/owner/repo/tree/main/src", Repo{"github", "owner", "repo"}},
		{"github.com/owner/repo", Repo{"github", "owner", "repo"}},
		{"git@github.com:owner/repo.git", Repo{"github", "owner", "repo"}},
		{"gitlab:group/sub/project", Repo{"gitlab", "group/sub", "project"}},
		{"https://gitlab.com/group/sub/project/-/merge_requests/3", Repo{"gitlab", "group/sub", "project"}},
		{"git@gitlab.com:group/project.git", Repo{"gitlab", "group", "project"}},
		{"github:my.org/my_repo", Repo{"github", "my.org", "my_repo"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRepo(tt.in, "github")
			if err != nil {
				t.Fatalf("ParseRepo(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseRepo(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseRepo_DefaultProvider(t *testing.T) {
	got, err := ParseRepo("group/sub/project", "gitlab")
	if err != nil {
		t.Fatalf("ParseRepo() error = %v", err)
	}
	want := Repo{"gitlab", "group/sub", "project"}
	if got != want {
		t.Errorf("ParseRepo() = %+v, want %+v", got, want)
	}
}

func TestParseRepo_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"repo",
		"owner/",
		"/repo",
		"a/b/c",
		"owner/re po",
		"https://github.com/owner",
		"https://example.com/owner/repo",
		"ftp://github.com/owner/repo",
		"git@bitbucket.org:owner/repo.git",
		"owner/..",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			_, err := ParseRepo(in, "github")
			if !errors.Is(err, ErrInvalidRepo) {
				t.Errorf("ParseRepo(%q) error = %v, want ErrInvalidRepo", in, err)
			}
		})
	}
}

func TestRepo_FullNameAndString(t *testing.T) {
	r := Repo{Provider: "gitlab", Owner: "group/sub", Name: "project"}
	if r.FullName() != "group/sub/project" {
		t.Errorf("FullName() = %q", r.FullName())
	}
	if r.String() != "gitlab:group/sub/project" {
		t.Errorf("String() = %q", r.String())
	}
}

func TestRepo_Key(t *testing.T) {
	tests := []struct {
		repo Repo
		want string
	}{
		{Repo{Provider: "github", Owner: "Owner", Name: "Repo"}, "github:owner/repo"},
		{Repo{Provider: "github", Owner: "owner", Name: "repo"}, "github:owner/repo"},
		{Repo{Provider: "gitlab", Owner: "Group/Sub", Name: "Project"}, "gitlab:Group/Sub/Project"},
	}
	for _, tt := range tests {
		if got := tt.repo.Key(); got != tt.want {
			t.Errorf("%v.Key() = %q, want %q", tt.repo, got, tt.want)
		}
	}
}
