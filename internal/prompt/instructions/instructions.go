// Package instructions embeds the system prompts given to the agents.
package instructions

import _ "embed"

//go:embed code_agent.md
var codeAgentMD string

//go:embed reviewer.md
var reviewerMD string

//go:embed container.md
var containerMD string

// CodeAgent returns the code agent system prompt.
func CodeAgent() string { return codeAgentMD }

// Reviewer returns the reviewer system prompt.
func Reviewer() string { return reviewerMD }

// Container returns the instructions written into the sandbox for the
// container code generator.
func Container() string { return containerMD }
