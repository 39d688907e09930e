package leme

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/cookiejar"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/lucasalmeidadh/lemeai-sync/internal/models"
)

// Client talks to the Leme CRM REST API. The session is cookie based, so all
// requests share one cookie jar.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a Leme API client for the given base URL.
func NewClient(baseURL string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("Leme baseURL cannot be empty")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetCookieJar(jar).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)

	log.Info().Str("baseURL", baseURL).Msg("Leme API client configured")

	return &Client{httpClient: httpClient, baseURL: baseURL}, nil
}

// HTTPClient exposes the underlying resty client so the hub can reuse the
// session cookies during negotiate.
func (c *Client) HTTPClient() *resty.Client {
	return c.httpClient
}

func (c *Client) get(ctx context.Context, url string) (*envelope, error) {
	var env envelope
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&env).
		Get(url)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("status %s, body: %s", resp.Status(), resp.String())
	}
	if !env.Sucesso {
		return nil, fmt.Errorf("API refused request: %s", env.Mensagem)
	}
	return &env, nil
}

// ListConversations fetches the seller's conversation summaries.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	env, err := c.get(ctx, "/api/Chat/ConversasPorVendedor")
	if err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}
	var dtos []conversationDTO
	if err := json.Unmarshal(env.Dados, &dtos); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	out := make([]models.Conversation, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, d.toModel())
	}
	return out, nil
}

// ListMessages fetches the full message history of one conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	env, err := c.get(ctx, fmt.Sprintf("/api/Chat/Conversas/%d/Mensagens", conversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for conversation %d: %w", conversationID, err)
	}
	var payload messagesPayload
	if err := json.Unmarshal(env.Dados, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode messages for conversation %d: %w", conversationID, err)
	}
	out := make([]models.Message, 0, len(payload.Mensagens))
	for _, d := range payload.Mensagens {
		out = append(out, d.toModel())
	}
	return out, nil
}

// SendText posts a text message. The endpoint expects the raw JSON string as
// the whole request body.
func (c *Client) SendText(ctx context.Context, conversationID int64, text string) error {
	body, err := json.Marshal(text)
	if err != nil {
		return fmt.Errorf("failed to encode message body: %w", err)
	}

	url := fmt.Sprintf("/api/Chat/Conversas/%d/EnviarMensagem", conversationID)
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(url)
	if err != nil {
		return fmt.Errorf("failed to send message to conversation %d: %w", conversationID, err)
	}
	if resp.IsError() {
		log.Error().Int("statusCode", resp.StatusCode()).Int64("conversationID", conversationID).Str("responseBody", resp.String()).Msg("Leme API: EnviarMensagem returned an error")
		return fmt.Errorf("failed to send message to conversation %d: status %s", conversationID, resp.Status())
	}
	return nil
}

// SendMedia uploads a media file for a conversation as multipart form data.
func (c *Client) SendMedia(ctx context.Context, conversationID int64, kind models.ContentType, fileName, mimeType string, content io.Reader) error {
	url := fmt.Sprintf("/api/Chat/Conversa/%d/EnviarMidia", conversationID)
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("TipoMidia", string(kind)).
		SetMultipartField("arquivo", fileName, mimeType, content).
		Post(url)
	if err != nil {
		return fmt.Errorf("failed to send media to conversation %d: %w", conversationID, err)
	}
	if resp.IsError() {
		log.Error().Int("statusCode", resp.StatusCode()).Int64("conversationID", conversationID).Str("fileName", fileName).Msg("Leme API: EnviarMidia returned an error")
		return fmt.Errorf("failed to send media to conversation %d: status %s", conversationID, resp.Status())
	}
	return nil
}

// TransferConversation hands the conversation over to another seller.
func (c *Client) TransferConversation(ctx context.Context, conversationID, sellerID int64) error {
	url := fmt.Sprintf("/api/Chat/Conversas/%d/TranferirConversa", conversationID)
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]int64{"idVendedor": sellerID}).
		Patch(url)
	if err != nil {
		return fmt.Errorf("failed to transfer conversation %d: %w", conversationID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to transfer conversation %d: status %s", conversationID, resp.Status())
	}
	return nil
}

// UpdateStatus moves a conversation to a new pipeline status with a deal value.
func (c *Client) UpdateStatus(ctx context.Context, conversationID int64, statusID int, value float64) error {
	url := fmt.Sprintf("/api/Chat/Conversas/%d/AtualizarStatus", conversationID)
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]any{"idStatus": statusID, "valor": value}).
		Patch(url)
	if err != nil {
		return fmt.Errorf("failed to update status of conversation %d: %w", conversationID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to update status of conversation %d: status %s", conversationID, resp.Status())
	}
	return nil
}

// ListNotes returns the annotation history of a conversation.
func (c *Client) ListNotes(ctx context.Context, conversationID int64) ([]models.Note, error) {
	env, err := c.get(ctx, fmt.Sprintf("/api/Detalhes/PorConversa/%d", conversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to load notes for conversation %d: %w", conversationID, err)
	}
	var dtos []noteDTO
	if err := json.Unmarshal(env.Dados, &dtos); err != nil {
		return nil, fmt.Errorf("failed to decode notes for conversation %d: %w", conversationID, err)
	}
	out := make([]models.Note, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, models.Note{
			ID:             d.IDDetalhe,
			ConversationID: d.IDConversa,
			Text:           d.Descricao,
			Author:         d.NomeUsuario,
			CreatedAt:      parseAPITime(d.DataCriacao),
		})
	}
	return out, nil
}

// AddNote appends an annotation to a conversation.
func (c *Client) AddNote(ctx context.Context, conversationID int64, text string) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]any{"idConversa": conversationID, "descricao": text}).
		Post("/api/Detalhes/Adicionar")
	if err != nil {
		return fmt.Errorf("failed to add note to conversation %d: %w", conversationID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to add note to conversation %d: status %s", conversationID, resp.Status())
	}
	return nil
}

// CurrentUser fetches and normalizes the logged-in seller's identity.
func (c *Client) CurrentUser(ctx context.Context) (models.User, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		Get("/api/Usuario/Logado")
	if err != nil {
		return models.User{}, fmt.Errorf("failed to load current user: %w", err)
	}
	if resp.IsError() {
		return models.User{}, fmt.Errorf("failed to load current user: status %s", resp.Status())
	}
	u, err := NormalizeUser(resp.Body())
	if err != nil {
		return models.User{}, fmt.Errorf("failed to load current user: %w", err)
	}
	return u, nil
}
