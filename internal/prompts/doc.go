// Package prompts contains the LLM prompt templates Parley's agents send.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation, are embedded at compile
// time and can be checked by tests.
//
// Convention: each agent gets its own file (analysis.go, correction.go,
// conversation.go) with an exported function that accepts the dynamic
// parts and returns the fully interpolated prompt string.
package prompts
