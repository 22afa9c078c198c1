package planfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParse_StepsOnly(t *testing.T) {
	content := `# Rollout plan

Some intro text.

## Step 1: Scaffold the service
details

## Step 2: Wire the storage layer

## Step 3: Add the review loop
`
	doc, err := Parse([]byte(content))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(doc.Steps))
	}
	if doc.Steps[0].Title != "Scaffold the service" {
		t.Errorf("Steps[0].Title = %q", doc.Steps[0].Title)
	}
	if doc.Steps[2].Number != 3 {
		t.Errorf("Steps[2].Number = %d, want 3", doc.Steps[2].Number)
	}
}

func TestParse_Frontmatter(t *testing.T) {
	content := `---
repo_owner: acme
repo_name: widgets
workdir: /srv/widgets
---

## Step 1: Do the thing
`
	doc, err := Parse([]byte(content))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Meta.RepoOwner != "acme" || doc.Meta.RepoName != "widgets" {
		t.Errorf("repo = %s/%s, want acme/widgets", doc.Meta.RepoOwner, doc.Meta.RepoName)
	}
	if doc.Meta.WorkDir != "/srv/widgets" {
		t.Errorf("WorkDir = %q", doc.Meta.WorkDir)
	}
	if len(doc.Steps) != 1 {
		t.Errorf("steps = %d, want 1", len(doc.Steps))
	}
}

func TestParse_OutOfOrderHeadingsAreSorted(t *testing.T) {
	content := `## Step 2: Second
## Step 1: First
`
	doc, err := Parse([]byte(content))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Steps[0].Number != 1 || doc.Steps[0].Title != "First" {
		t.Errorf("Steps[0] = %+v, want step 1 First", doc.Steps[0])
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no steps", "# Just a title\n\nprose\n"},
		{"duplicate number", "## Step 1: A\n## Step 1: B\n"},
		{"gap in numbering", "## Step 1: A\n## Step 3: C\n"},
		{"starts at zero", "## Step 0: A\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.content)); err == nil {
				t.Error("Parse() error = nil, want error")
			}
		})
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.md")
	if err := os.WriteFile(path, []byte("## Step 1: Only\n"), 0644); err != nil {
		t.Fatal(err)
	}

	doc, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Steps) != 1 || doc.Steps[0].Title != "Only" {
		t.Errorf("doc = %+v", doc)
	}

	if _, err := ParseFile(filepath.Join(dir, "missing.md")); err == nil {
		t.Error("ParseFile(missing) error = nil, want error")
	}
}
