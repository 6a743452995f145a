package prompts

import (
	"fmt"
	"strings"
)

// analysisTemplate turns a news article into study material. Format
// verbs: learner level, learner interests, article title, article text.
const analysisTemplate = `You are an expert news analyst preparing material for an English conversation lesson.

The learner's level is %s. Their interests are: %s.

Analyze the article below and respond with a single JSON object with exactly this structure:

{
  "summary": "a concise summary of the article in plain English suited to the learner's level",
  "vocabulary": [
    {"word": "a key word from the article", "definition": "a simple, clear definition", "example": "an example sentence using the word"}
  ],
  "questions": ["a discussion question", "another question", "a third question"]
}

Choose exactly 5 vocabulary words and exactly 3 open-ended discussion questions.
Do not add any text before or after the JSON object.

Article title: %s

Article text:
%s`

// AnalysisPrompt returns the prompt for article analysis.
func AnalysisPrompt(level string, interests []string, title, text string) string {
	if level == "" {
		level = "intermediate"
	}
	in := strings.Join(interests, ", ")
	if in == "" {
		in = "general topics"
	}
	return fmt.Sprintf(analysisTemplate, level, in, title, text)
}
