package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultMem0BaseURL = "https://api.mem0.ai"
	DefaultAppID       = "wtf-happened-bot"
	DefaultAgentID     = "wtf-telegram-bot"
)

// Mem0Config configures the hosted Mem0 backend.
type Mem0Config struct {
	APIKey  string
	BaseURL string
	AppID   string
	AgentID string
	// Limit caps search results (top_k). Zero leaves it to the service.
	Limit   int
	Timeout time.Duration
}

// Mem0Client talks to the Mem0 REST API.
type Mem0Client struct {
	cfg    Mem0Config
	client *http.Client
}

func NewMem0Client(cfg Mem0Config) *Mem0Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultMem0BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.AppID == "" {
		cfg.AppID = DefaultAppID
	}
	if cfg.AgentID == "" {
		cfg.AgentID = DefaultAgentID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Mem0Client{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type mem0Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mem0AddRequest struct {
	Messages []mem0Message `json:"messages"`
	AgentID  string        `json:"agent_id"`
	UserID   string        `json:"user_id"`
	AppID    string        `json:"app_id"`
}

type mem0SearchRequest struct {
	Query   string         `json:"query"`
	Filters map[string]any `json:"filters"`
	TopK    int            `json:"top_k,omitempty"`
}

type mem0Memory struct {
	ID     string  `json:"id"`
	Memory string  `json:"memory"`
	Score  float64 `json:"score"`
}

// Search returns memories for scope ranked by the service.
func (m *Mem0Client) Search(ctx context.Context, query, scope string) ([]Snippet, error) {
	body := mem0SearchRequest{
		Query: query,
		Filters: map[string]any{
			"AND": []map[string]string{
				{"user_id": scope},
				{"app_id": m.cfg.AppID},
			},
		},
		TopK: m.cfg.Limit,
	}
	raw, err := m.post(ctx, "/v2/memories/search/", body)
	if err != nil {
		return nil, fmt.Errorf("mem0 search: %w", err)
	}

	memories, err := parseMem0Search(raw)
	if err != nil {
		return nil, fmt.Errorf("mem0 search: %w", err)
	}
	out := make([]Snippet, 0, len(memories))
	for _, mem := range memories {
		if strings.TrimSpace(mem.Memory) == "" {
			continue
		}
		out = append(out, Snippet{ID: mem.ID, Memory: mem.Memory, Score: mem.Score})
	}
	if m.cfg.Limit > 0 && len(out) > m.cfg.Limit {
		out = out[:m.cfg.Limit]
	}
	return out, nil
}

// Add sends the exchange to Mem0, which extracts facts asynchronously.
func (m *Mem0Client) Add(ctx context.Context, turns []Turn, scope string) error {
	msgs := make([]mem0Message, 0, len(turns))
	for _, t := range turns {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		msgs = append(msgs, mem0Message{Role: t.Role, Content: t.Content})
	}
	if len(msgs) == 0 {
		return nil
	}
	_, err := m.post(ctx, "/v1/memories/", mem0AddRequest{
		Messages: msgs,
		AgentID:  m.cfg.AgentID,
		UserID:   scope,
		AppID:    m.cfg.AppID,
	})
	if err != nil {
		return fmt.Errorf("mem0 add: %w", err)
	}
	return nil
}

func (m *Mem0Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Token "+m.cfg.APIKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("mem0 API returned %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// parseMem0Search accepts both the bare-array and {"results": [...]} shapes.
func parseMem0Search(data []byte) ([]mem0Memory, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var list []mem0Memory
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		return list, nil
	}
	var wrapped struct {
		Results []mem0Memory `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return wrapped.Results, nil
}
