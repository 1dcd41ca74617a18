// Package api exposes the runtime's external HTTP surface: the
// OpenAI-compatible chat endpoint, unary and SSE-streaming.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"ghost/internal/llm"
	"ghost/internal/observability"
	"ghost/internal/reasoning"
)

// chatMessage is the wire shape of one request message.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Created int64        `json:"created"`
	ID      string       `json:"id"`
}

type streamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason,omitempty"`
}

type streamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

// Server wires the Reasoning Loop to the HTTP surface.
type Server struct {
	Loop   *reasoning.Loop
	APIKey string
}

// NewMux builds the runtime's HTTP handler.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("X-Ghost-Key") != s.APIKey || s.APIKey == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = generateRequestID()
	}
	w.Header().Set("X-Request-ID", requestID)

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	msgs := make([]llm.Message, len(body.Messages))
	for i, m := range body.Messages {
		msgs[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	req := reasoning.Request{Messages: msgs, Model: body.Model, Stream: body.Stream, RequestID: requestID}

	log := observability.LoggerWithTrace(r.Context())

	if body.Stream {
		s.streamChat(w, r, req)
		return
	}

	resp, err := s.Loop.Run(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("chat_request_failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chatResponse{
		Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: resp.Content}}},
		Created: resp.Created,
		ID:      resp.ID,
	})
}

type sseSink struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	requestID string
	model     string
	firstSent bool
}

func (s *sseSink) OnDelta(content string) {
	delta := streamDelta{Content: content}
	if !s.firstSent {
		delta.Role = "assistant"
		s.firstSent = true
	}
	s.writeChunk(streamChunk{
		ID: s.requestID, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: s.model,
		Choices: []streamChoice{{Index: 0, Delta: delta}},
	})
}

func (s *sseSink) OnDone(final string) {
	if !s.firstSent {
		s.writeChunk(streamChunk{
			ID: s.requestID, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: s.model,
			Choices: []streamChoice{{Index: 0, Delta: streamDelta{Role: "assistant", Content: final}}},
		})
	}
	reason := "stop"
	s.writeChunk(streamChunk{
		ID: s.requestID, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: s.model,
		Choices: []streamChoice{{Index: 0, Delta: streamDelta{}, FinishReason: &reason}},
	})
	s.w.Write([]byte("data: [DONE]\n\n"))
	s.flusher.Flush()
}

func (s *sseSink) writeChunk(c streamChunk) {
	b, err := json.Marshal(c)
	if err != nil {
		return
	}
	s.w.Write([]byte("data: "))
	s.w.Write(b)
	s.w.Write([]byte("\n\n"))
	s.flusher.Flush()
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req reasoning.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher, requestID: req.RequestID, model: req.Model}
	if err := s.Loop.RunStream(r.Context(), req, sink); err != nil {
		log := observability.LoggerWithTrace(r.Context())
		log.Error().Err(err).Str("request_id", req.RequestID).Msg("stream_chat_request_failed")
		sink.OnDone("upstream unreachable, please try again shortly.")
	}
}

func generateRequestID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}
