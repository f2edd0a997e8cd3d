package research

import (
	"fmt"
	"strings"

	"github.com/codemilestones/Fairy/internal/session"
	"github.com/codemilestones/Fairy/internal/store"
)

const (
	scopeSystem    = "You are the scoping stage of a research workflow. You read a conversation and decide whether the research goal is clear enough to start working."
	planSystem     = "You are a research supervisor. You split a research brief into independent sub-tasks for parallel workers."
	workerSystem   = "You are a research worker. You search the web iteratively and collect evidence for one sub-task."
	composerSystem = "You are a research report writer. You turn collected findings into a final report for the user."
)

func scopePrompt(history []session.Message) string {
	var conv strings.Builder
	for _, m := range history {
		conv.WriteString(strings.ToUpper(m.Role))
		conv.WriteString(": ")
		conv.WriteString(m.Content)
		conv.WriteString("\n")
	}

	return fmt.Sprintf(`You are an intelligent scoping agent that turns a conversation into a research brief.

CONVERSATION:
%s
SCOPING REQUIREMENTS:
1. State the user's research intent in one sentence
2. Decide whether the conversation contains enough detail to research without guessing
3. If detail is missing, write exactly one clarifying question that would unblock the research
4. If detail is sufficient, break the intent into concrete objectives, constraints and success criteria
5. Never invent preferences the user did not state

OUTPUT FORMAT (JSON):
{
  "intent": "one sentence describing what the user wants",
  "sufficient": true,
  "question": "single clarifying question, empty when sufficient",
  "objectives": ["objective 1", "objective 2"],
  "constraints": ["constraint 1"],
  "success_criteria": ["criterion 1"]
}

Respond with the JSON only.`, conv.String())
}

func planPrompt(brief string, maxTasks int) string {
	return fmt.Sprintf(`You are a research supervisor that splits a brief into parallel sub-tasks.

RESEARCH BRIEF:
%s

PLANNING REQUIREMENTS:
1. Produce at most %d sub-tasks
2. Each sub-task must be answerable by web research on its own, without the others
3. Each description must say what to find, not how to search
4. Prefer fewer, broader sub-tasks over many overlapping ones
5. Order the sub-tasks from most to least central to the brief

OUTPUT FORMAT (JSON):
{
  "tasks": [
    {"description": "what this sub-task should find out"}
  ]
}

Respond with the JSON only.`, brief, maxTasks)
}

func queryPrompt(task string, notes []store.Note, iteration, maxIterations int) string {
	return fmt.Sprintf(`You are a research worker formulating the next web search query.

SUB-TASK:
%s

EVIDENCE SO FAR:
%s
SEARCH ROUND: %d of %d

QUERY REQUIREMENTS:
1. Target the largest gap in the evidence collected so far
2. Do not repeat a query that already produced the evidence above
3. Keep the query short and specific, the way a person types into a search engine

OUTPUT FORMAT (JSON):
{"query": "the search query"}

Respond with the JSON only.`, task, notesDigest(notes, 12), iteration, maxIterations)
}

func stopPrompt(task string, notes []store.Note) string {
	return fmt.Sprintf(`You are a research worker deciding whether to keep searching.

SUB-TASK:
%s

EVIDENCE SO FAR:
%s
STOP CRITERIA:
1. Stop when the evidence already answers the sub-task from more than one source
2. Keep going when a central aspect of the sub-task has no evidence yet
3. Stop when further searching would only add near-duplicates

OUTPUT FORMAT (JSON):
{"done": true, "reason": "one sentence"}

Respond with the JSON only.`, task, notesDigest(notes, 20))
}

func compressPrompt(task string, notes []store.Note) string {
	return fmt.Sprintf(`You are a research worker writing up what you found for one sub-task.

SUB-TASK:
%s

EVIDENCE:
%s
WRITE-UP REQUIREMENTS:
1. Summarize only what the evidence supports, citing source URLs inline
2. Note explicitly where the evidence is thin or conflicting
3. Keep it factual and compact, a few paragraphs at most

Respond with the write-up as plain text.`, task, notesDigest(notes, 40))
}

func reportPrompt(brief, findings string, notes []store.Note) string {
	return fmt.Sprintf(`You are a research report writer producing the final answer.

RESEARCH BRIEF:
%s

FINDINGS PER SUB-TASK:
%s

SUPPORTING EVIDENCE:
%s
REPORT REQUIREMENTS:
1. Answer the brief directly, structured with markdown headings
2. Ground every claim in the findings and cite source URLs
3. Call out sub-tasks whose findings are degraded or missing as reduced coverage instead of papering over them
4. End with a short summary of what remains open

Respond with the report in markdown.`, brief, findings, notesDigest(notes, composeEvidenceBudget))
}

// notesDigest renders up to max notes as compact evidence blocks for a
// prompt. It keeps prompts bounded when a worker has been busy.
func notesDigest(notes []store.Note, max int) string {
	if len(notes) == 0 {
		return "(none yet)\n"
	}
	if len(notes) > max {
		notes = notes[len(notes)-max:]
	}
	var b strings.Builder
	for _, n := range notes {
		b.WriteString("- ")
		b.WriteString(n.Title)
		if n.URL != "" {
			b.WriteString(" (")
			b.WriteString(n.URL)
			b.WriteString(")")
		}
		b.WriteString(": ")
		b.WriteString(clip(n.Content, 400))
		b.WriteString("\n")
	}
	return b.String()
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if idx := strings.LastIndexByte(cut, ' '); idx > max/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
