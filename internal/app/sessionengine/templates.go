package sessionengine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/buildforge/controlplane/internal/app/domain/message"
	"github.com/buildforge/controlplane/internal/app/domain/session"
	"github.com/buildforge/controlplane/internal/app/modeladapter"
	"github.com/buildforge/controlplane/internal/app/retrieval"
)

// modelEnvelope is the JSON shape a dialogue turn response is expected
// to carry. Malformed JSON is tolerated by the caller, which falls back
// to the raw text.
type modelEnvelope struct {
	Message      string                                 `json:"message"`
	Gathered     map[string]any                          `json:"gathered"`
	Categories   map[string]session.CategoryProgress      `json:"categories"`
	ReadyForSpec bool                                   `json:"ready_for_spec"`
	NextCategory string                                 `json:"next_category"`
}

func parseEnvelope(raw string) (modelEnvelope, bool) {
	var env modelEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return modelEnvelope{}, false
	}
	return env, true
}

func baseSystemPrompt(pt session.ProjectType) string {
	switch normalizeProjectType(pt) {
	case session.ProjectTypeBuildFeature:
		return "You are gathering requirements to add a feature to an existing " +
			"codebase. Ask one focused question at a time across project type, " +
			"tech stack, scale, features, and constraints. Respond only with a " +
			"JSON object: {\"message\", \"gathered\", \"categories\", " +
			"\"ready_for_spec\", \"next_category\"}."
	case session.ProjectTypeMCPServer:
		return "You are gathering requirements for a new MCP server. Ask one " +
			"focused question at a time across project type, tech stack, scale, " +
			"features, and constraints. Respond only with a JSON object: " +
			"{\"message\", \"gathered\", \"categories\", \"ready_for_spec\", " +
			"\"next_category\"}."
	default:
		return "You are gathering requirements for a new application. Ask one " +
			"focused question at a time across project type, tech stack, scale, " +
			"features, and constraints. Respond only with a JSON object: " +
			"{\"message\", \"gathered\", \"categories\", \"ready_for_spec\", " +
			"\"next_category\"}."
	}
}

func (e *Engine) buildPrompt(sess session.Session, history []message.Message) modeladapter.Prompt {
	system := baseSystemPrompt(sess.ProjectType)
	if sess.ProjectType == session.ProjectTypeBuildFeature {
		if snap, ok := snapshotFromMap(sess.RepoAnalysisSnapshot); ok {
			if section := snap.PromptSection(); section != "" {
				system = system + "\n\n" + section
			}
		}
	}
	msgs := make([]modeladapter.PromptMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, modeladapter.PromptMessage{Role: string(m.Role), Content: m.Content})
	}
	return modeladapter.Prompt{System: system, Messages: msgs}
}

func (e *Engine) specPrompt(sess session.Session) modeladapter.Prompt {
	system := "Produce the full project specification as a single markdown " +
		"document from the gathered requirements below. Do not wrap it in JSON."
	gathered, _ := json.MarshalIndent(sess.Clarification.Gathered, "", "  ")
	return modeladapter.Prompt{
		System: system,
		Messages: []modeladapter.PromptMessage{
			{Role: "user", Content: string(gathered)},
		},
	}
}

// ticketDraft is one entry of the model's ticket-generation response.
// Key is a batch-local identifier used to express dependency edges
// before real ticket ids exist.
type ticketDraft struct {
	Key                string   `json:"key"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Epic               string   `json:"epic"`
	Scope              string   `json:"scope"`
	Priority           string   `json:"priority"`
	FileHints          []string `json:"file_hints"`
	DependsOn          []string `json:"depends_on"`
}

type ticketDraftEnvelope struct {
	Tickets []ticketDraft `json:"tickets"`
}

func ticketGenSystemPrompt(pt session.ProjectType) string {
	base := "Break the approved specification into implementation tickets. " +
		"Each ticket must be independently verifiable against its acceptance " +
		"criteria. Infer dependency edges between tickets where one cannot " +
		"start before another finishes."
	var templateNote string
	switch normalizeProjectType(pt) {
	case session.ProjectTypeBuildFeature:
		templateNote = "This is a feature addition to an existing codebase: " +
			"prefer small tickets scoped to the files the repository analysis " +
			"identified."
	case session.ProjectTypeMCPServer:
		templateNote = "This is an MCP server: include tickets for each tool/" +
			"resource handler plus transport wiring and a scaffolding ticket."
	default:
		templateNote = "This is a new application: include scaffolding, core " +
			"domain, and integration tickets."
	}
	return base + " " + templateNote + " Respond only with a JSON object: " +
		"{\"tickets\": [{\"key\", \"title\", \"description\", " +
		"\"acceptance_criteria\", \"epic\", \"scope\", \"priority\", " +
		"\"file_hints\", \"depends_on\"}]}."
}

func (e *Engine) ticketGenPrompt(sess session.Session) modeladapter.Prompt {
	spec := ""
	if sess.ApprovedSpec != nil {
		spec = *sess.ApprovedSpec
	}
	return modeladapter.Prompt{
		System: ticketGenSystemPrompt(sess.ProjectType),
		Messages: []modeladapter.PromptMessage{
			{Role: "user", Content: spec},
		},
	}
}

var errUnusableTicketResponse = fmt.Errorf("ticket generation response is not valid JSON")

// decodeTicketDrafts parses the model's ticket-generation response.
func decodeTicketDrafts(raw string) ([]ticketDraft, error) {
	var env ticketDraftEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, errUnusableTicketResponse
	}
	return env.Tickets, nil
}

func snapshotToMap(snap retrieval.RepoSnapshot) map[string]any {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func snapshotFromMap(m map[string]any) (retrieval.RepoSnapshot, bool) {
	if m == nil {
		return retrieval.RepoSnapshot{}, false
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return retrieval.RepoSnapshot{}, false
	}
	var snap retrieval.RepoSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return retrieval.RepoSnapshot{}, false
	}
	return snap, true
}

func parseScope(raw string) (s string) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "small":
		return "small"
	case "large":
		return "large"
	default:
		return "medium"
	}
}

func parsePriority(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high":
		return "high"
	case "low":
		return "low"
	default:
		return "medium"
	}
}

func formatFailureNote(action string, err error) string {
	return fmt.Sprintf("%s failed: %v", action, err)
}
