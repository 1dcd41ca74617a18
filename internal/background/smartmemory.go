package background

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"ghost/internal/llm"
	"ghost/internal/memory"
	"ghost/internal/observability"
	"ghost/internal/profile"
)

// Completer runs one free-form worker-class prompt, off the main reasoning
// loop. Implemented by the reasoning package's router glue; declared here to
// avoid background importing reasoning just for a method signature.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Embedder turns text into a vector for memory search and insertion.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type extractionResult struct {
	Score         float64 `json:"score"`
	Fact          string  `json:"fact"`
	ProfileUpdate *struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"profile_update,omitempty"`
}

type revisionResult struct {
	DeleteIDs []string `json:"delete_ids"`
}

const factScoreThreshold = 0.9

var extractionPrompt = `Extract at most one durable fact about the user worth remembering long-term from this conversation, if any. Respond with JSON only: {"score": 0.0-1.0, "fact": string, "profile_update": {"key": string, "value": string} | null}. score reflects how confident and how durable the fact is; a fleeting detail should score low. fact should be empty string if nothing is worth remembering. profile_update is only set when the fact should overwrite a structured profile field (e.g. name, timezone, preferred language).`

// Coordinator runs Smart Memory fact extraction/belief revision and
// post-mortem lesson capture off the main reasoning loop's admission
// semaphore, serialized behind its own capacity-1 semaphore so background
// work never competes with live requests for upstream capacity.
type Coordinator struct {
	Worker   Completer
	Embedder Embedder
	Memory   *memory.VectorStore
	Profile  *profile.Store
	Playbook *profile.Playbook

	sem *semaphore.Weighted
}

// NewCoordinator builds a Coordinator with the spec's capacity-1 background
// concurrency limit.
func NewCoordinator(worker Completer, embedder Embedder, vs *memory.VectorStore, prof *profile.Store, pb *profile.Playbook) *Coordinator {
	return &Coordinator{Worker: worker, Embedder: embedder, Memory: vs, Profile: prof, Playbook: pb, sem: semaphore.NewWeighted(1)}
}

// DispatchSmartMemory runs fact extraction and belief revision in a detached
// goroutine, fire-and-forget from the reasoning loop's perspective.
func (c *Coordinator) DispatchSmartMemory(transcript []llm.Message) {
	if c.Worker == nil || c.Embedder == nil || c.Memory == nil {
		return
	}
	go c.runSmartMemory(transcript)
}

func (c *Coordinator) runSmartMemory(transcript []llm.Message) {
	ctx := context.Background()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.sem.Release(1)

	log := observability.LoggerWithTrace(ctx)
	transcriptText := renderTranscript(transcript)

	raw, err := c.Worker.Complete(ctx, extractionPrompt+"\n\nConversation:\n"+transcriptText)
	if err != nil {
		log.Warn().Err(err).Msg("smart_memory_extraction_failed")
		return
	}
	var extraction extractionResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &extraction); err != nil {
		log.Warn().Err(err).Msg("smart_memory_extraction_malformed")
		return
	}
	if strings.TrimSpace(extraction.Fact) == "" {
		return
	}

	vec, err := c.Embedder.Embed(ctx, extraction.Fact)
	if err != nil {
		log.Warn().Err(err).Msg("smart_memory_embed_failed")
		return
	}

	if err := c.reviseBeliefs(ctx, extraction.Fact, vec); err != nil {
		log.Warn().Err(err).Msg("smart_memory_belief_revision_failed")
	}

	id := uuid.NewString()
	if err := c.Memory.Insert(ctx, id, vec, extraction.Fact, "smart_memory", time.Now().UTC()); err != nil {
		log.Warn().Err(err).Msg("smart_memory_insert_failed")
		return
	}

	if extraction.ProfileUpdate != nil && extraction.Score >= factScoreThreshold && c.Profile != nil {
		if err := c.Profile.Set(extraction.ProfileUpdate.Key, extraction.ProfileUpdate.Value); err != nil {
			log.Warn().Err(err).Msg("smart_memory_profile_update_failed")
		}
	}
}

// reviseBeliefs finds facts near the new one and asks the worker which, if
// any, the new fact supersedes and should be deleted (spec §4.6 belief
// revision).
func (c *Coordinator) reviseBeliefs(ctx context.Context, newFact string, vec []float32) error {
	neighbors, err := c.Memory.Search(ctx, vec, 3)
	if err != nil || len(neighbors) == 0 {
		return err
	}
	var sb strings.Builder
	for _, n := range neighbors {
		sb.WriteString("- id=" + n.ID + ": " + n.Text + "\n")
	}
	prompt := "A new fact was just learned: \"" + newFact + "\".\n\nExisting related facts:\n" + sb.String() +
		"\nRespond with JSON only: {\"delete_ids\": [string]} listing the ids of any existing facts the new fact directly contradicts or supersedes. Use an empty list if none do."
	raw, err := c.Worker.Complete(ctx, prompt)
	if err != nil {
		return err
	}
	var rev revisionResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &rev); err != nil {
		return err
	}
	for _, id := range rev.DeleteIDs {
		_ = c.Memory.Delete(ctx, id)
	}
	return nil
}

func renderTranscript(msgs []llm.Message) string {
	const maxMessages = 30
	start := 0
	if len(msgs) > maxMessages {
		start = len(msgs) - maxMessages
	}
	var sb strings.Builder
	for _, m := range msgs[start:] {
		if m.Role == "tool" {
			continue
		}
		content := m.Content
		if len(content) > 500 {
			content = content[:500] + "..."
		}
		sb.WriteString("[" + m.Role + "] " + content + "\n")
	}
	return sb.String()
}
