// Package persona talks to the conversational avatar API that plays the AI
// opponent. The API key never leaves the server.
package persona

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	DefaultBaseURL   = "https://tavusapi.com/v2"
	DefaultPersonaID = "p8494ff3054c"
)

var ErrNoAPIKey = errors.New("persona api key not configured")

// APIError is a non-2xx answer from the avatar API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("persona api: http %d: %s", e.StatusCode, e.Message)
}

type Persona struct {
	ID               string `json:"persona_id"`
	Name             string `json:"persona_name,omitempty"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	Context          string `json:"context,omitempty"`
	DefaultReplicaID string `json:"default_replica_id,omitempty"`
}

type Conversation struct {
	ID     string `json:"conversation_id"`
	Name   string `json:"conversation_name,omitempty"`
	URL    string `json:"conversation_url"`
	Status string `json:"status"`
}

type Properties struct {
	MaxCallDuration        int `json:"max_call_duration"`
	ParticipantLeftTimeout int `json:"participant_left_timeout"`
}

type conversationRequest struct {
	PersonaID   string     `json:"persona_id"`
	CallbackURL string     `json:"callback_url,omitempty"`
	Properties  Properties `json:"properties"`
}

type Options struct {
	BaseURL                string
	APIKey                 string
	MaxCallDuration        time.Duration
	ParticipantLeftTimeout time.Duration
	HTTPClient             *http.Client
}

// Client calls the avatar API.
type Client struct {
	base  string
	key   string
	props Properties
	http  *http.Client
}

func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.MaxCallDuration <= 0 {
		opts.MaxCallDuration = 600 * time.Second
	}
	if opts.ParticipantLeftTimeout <= 0 {
		opts.ParticipantLeftTimeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		base: opts.BaseURL,
		key:  opts.APIKey,
		props: Properties{
			MaxCallDuration:        int(opts.MaxCallDuration / time.Second),
			ParticipantLeftTimeout: int(opts.ParticipantLeftTimeout / time.Second),
		},
		http: opts.HTTPClient,
	}
}

func (c *Client) GetPersona(ctx context.Context, id string) (*Persona, error) {
	if id == "" {
		id = DefaultPersonaID
	}
	var p Persona
	if err := c.do(ctx, http.MethodGet, "/personas/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) CreateConversation(ctx context.Context, personaID, callbackURL string) (*Conversation, error) {
	if personaID == "" {
		personaID = DefaultPersonaID
	}
	req := conversationRequest{
		PersonaID:   personaID,
		CallbackURL: callbackURL,
		Properties:  c.props,
	}
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) EndConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id), nil, nil)
}

// Speak makes the avatar say text in a running conversation.
func (c *Client) Speak(ctx context.Context, id, text string) error {
	body := struct {
		Text string `json:"text"`
	}{Text: text}
	return c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/speak", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.key == "" {
		return ErrNoAPIKey
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("x-api-key", c.key)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return string(body)
}
