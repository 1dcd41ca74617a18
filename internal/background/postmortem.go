package background

import (
	"context"
	"encoding/json"
	"strings"

	"ghost/internal/llm"
	"ghost/internal/observability"
)

type postMortemResult struct {
	Situation string `json:"situation"`
	Lesson    string `json:"lesson"`
}

var postMortemPrompt = `Review this completed agent run for a mistake the agent made and corrected, or a mistake it never corrected, that future runs should avoid repeating. Respond with JSON only: {"situation": string, "lesson": string}. Use empty strings for both fields if the run went smoothly and there is nothing worth remembering.`

// DispatchPostMortem runs lesson extraction in a detached goroutine and, when
// the worker identifies a correctable mistake, appends it to the playbook.
func (c *Coordinator) DispatchPostMortem(transcript []llm.Message, treeJSON []byte) {
	if c.Worker == nil || c.Playbook == nil {
		return
	}
	go c.runPostMortem(transcript, treeJSON)
}

func (c *Coordinator) runPostMortem(transcript []llm.Message, treeJSON []byte) {
	ctx := context.Background()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.sem.Release(1)

	log := observability.LoggerWithTrace(ctx)
	prompt := postMortemPrompt + "\n\nConversation:\n" + renderTranscript(transcript)
	if len(treeJSON) > 0 {
		prompt += "\n\nFinal plan state:\n" + string(treeJSON)
	}

	raw, err := c.Worker.Complete(ctx, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("post_mortem_failed")
		return
	}
	var result postMortemResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &result); err != nil {
		log.Warn().Err(err).Msg("post_mortem_malformed")
		return
	}
	if strings.TrimSpace(result.Lesson) == "" {
		return
	}
	if err := c.Playbook.Add(result.Situation, result.Lesson); err != nil {
		log.Warn().Err(err).Msg("post_mortem_playbook_write_failed")
	}
}
