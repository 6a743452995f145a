package prompts

import "fmt"

// correctionTemplate asks for a structured verdict on one sentence. The
// first verb is the learner's past correction history (or a placeholder),
// the second is the sentence.
const correctionTemplate = `You are a meticulous English grammar and style checker helping a language learner.
Analyze the learner's message for grammatical errors, wrong word choice, unclear phrasing, or weak connections between ideas.

Past corrections for this learner, most relevant first:
%s

If the message needs no improvement, respond with:
{"has_suggestion": false, "feedback": "a short, encouraging comment"}

Otherwise respond with:
{"has_suggestion": true, "original": "the learner's message", "corrected": "the improved message", "explanation": "a brief explanation of what changed and why", "correction_type": "Grammar", "alternatives": ["another natural way to say it"]}

correction_type must be one of Grammar, Vocabulary, Clarity, Cohesion.
If the learner keeps repeating a mistake from the past corrections, say so in the explanation.
Respond with the JSON object only.

Learner's message:
%s`

// CorrectionPrompt returns the correction prompt for message. feedback is
// the flattened text of previously stored corrections and may be empty.
func CorrectionPrompt(message, feedback string) string {
	if feedback == "" {
		feedback = "(none yet)"
	}
	return fmt.Sprintf(correctionTemplate, feedback, message)
}

// correctionRepairTemplate is sent when the first answer was not valid
// JSON. Verbs: the parse error, the previous answer, the original message.
const correctionRepairTemplate = `Your previous answer could not be parsed as JSON (%s).

Previous answer:
%s

Rewrite it as exactly one JSON object matching either
{"has_suggestion": false, "feedback": "..."}
or
{"has_suggestion": true, "original": "...", "corrected": "...", "explanation": "...", "correction_type": "Grammar|Vocabulary|Clarity|Cohesion", "alternatives": ["..."]}

The learner's message was:
%s

Respond with the JSON object only, no code fences.`

// CorrectionRepairPrompt returns the structured-output repair prompt.
func CorrectionRepairPrompt(parseErr error, previous, message string) string {
	return fmt.Sprintf(correctionRepairTemplate, parseErr, previous, message)
}
