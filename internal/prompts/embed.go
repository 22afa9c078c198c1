// Package prompts provides externalized prompt templates with override support.
package prompts

import "embed"

//go:embed step/*.md review/*.md
var embeddedFS embed.FS
