// Package assets embeds the files the Agent Injection Protocol pastes into
// the upstream editor (spec.md §4.C.1, §6).
package assets

import _ "embed"

//go:embed agent.ts
var AgentTypeScript string

//go:embed index.html
var IndexHTML string
