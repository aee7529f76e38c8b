// Package prompts provides externalized prompt templates with override support.
package prompts

import "embed"

//go:embed turn/*.md ask/*.md
var embeddedFS embed.FS
