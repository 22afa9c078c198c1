// Package planfile parses plan documents into an ordered step list.
// A plan document is markdown with optional YAML frontmatter naming the
// repository and working directory, followed by numbered step headings:
//
//	## Step 1: Scaffold the service
//	## Step 2: Wire the storage layer
//
// Resumed runs read nothing from the document beyond this list; all
// phase state lives in the store.
package planfile

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var stepHeadingRegex = regexp.MustCompile(`^##\s+Step\s+(\d+)\s*:\s*(.+?)\s*$`)

// PlanStep is one parsed step heading
type PlanStep struct {
	Number int
	Title  string
}

// Frontmatter holds the optional YAML header of a plan document
type Frontmatter struct {
	RepoOwner string `yaml:"repo_owner"`
	RepoName  string `yaml:"repo_name"`
	WorkDir   string `yaml:"workdir"`
}

// Document is a fully parsed plan file
type Document struct {
	Meta  Frontmatter
	Steps []PlanStep
}

// ParseFile reads and parses a plan document from disk
func ParseFile(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return doc, nil
}

// Parse parses plan document content
func Parse(content []byte) (*Document, error) {
	meta, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	steps, err := parseSteps(body)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("no step headings found (expected \"## Step N: Title\")")
	}

	return &Document{Meta: meta, Steps: steps}, nil
}

// splitFrontmatter separates the YAML header, if any, from the body
func splitFrontmatter(content []byte) (Frontmatter, string, error) {
	var meta Frontmatter
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return meta, str, nil
	}

	end := strings.Index(str[4:], "\n---")
	if end == -1 {
		return meta, str, nil // Malformed, treat as no frontmatter
	}

	header := str[4 : 4+end]
	body := str[4+end+4:]

	if err := yaml.Unmarshal([]byte(header), &meta); err != nil {
		return meta, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return meta, body, nil
}

func parseSteps(body string) ([]PlanStep, error) {
	seen := make(map[int]bool)
	var steps []PlanStep

	for _, line := range strings.Split(body, "\n") {
		matches := stepHeadingRegex.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		num, _ := strconv.Atoi(matches[1]) // regex guarantees digits
		if seen[num] {
			return nil, fmt.Errorf("duplicate step number %d", num)
		}
		seen[num] = true
		steps = append(steps, PlanStep{Number: num, Title: matches[2]})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].Number < steps[j].Number })

	// Step numbers must be contiguous from 1 so iteration ordinals and
	// resume logic can index by ordinal.
	for i, s := range steps {
		if s.Number != i+1 {
			return nil, fmt.Errorf("step numbers not contiguous: expected %d, got %d", i+1, s.Number)
		}
	}

	return steps, nil
}
