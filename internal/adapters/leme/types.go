package leme

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucasalmeidadh/lemeai-sync/internal/models"
)

// envelope is the standard response wrapper of the Leme API:
// { "sucesso": bool, "mensagem": string, "dados": T }.
type envelope struct {
	Sucesso  bool            `json:"sucesso"`
	Mensagem string          `json:"mensagem"`
	Dados    json.RawMessage `json:"dados"`
}

type conversationDTO struct {
	IDConversa         int64    `json:"idConversa"`
	NomeCliente        string   `json:"nomeCliente"`
	NumeroWhatsapp     string   `json:"numeroWhatsapp"`
	UltimaMensagem     string   `json:"ultimaMensagem"`
	DataUltimaMensagem string   `json:"dataUltimaMensagem"`
	TotalNaoLidas      int      `json:"totalNaoLidas"`
	IDStatus           *int     `json:"idStatus"`
	Valor              *float64 `json:"valor"`
	NomeVendedor       string   `json:"nomeVendedor"`
}

type messageDTO struct {
	IDMensagem     int64   `json:"idMensagem"`
	IDConversa     int64   `json:"idConversa"`
	Mensagem       string  `json:"mensagem"`
	OrigemMensagem int     `json:"origemMensagem"`
	DataEnvio      string  `json:"dataEnvio"`
	TipoMensagem   *string `json:"tipoMensagem"`
	URLMidia       *string `json:"urlMidia"`
}

type messagesPayload struct {
	Mensagens []messageDTO `json:"mensagens"`
}

type noteDTO struct {
	IDDetalhe   int64  `json:"idDetalhe"`
	IDConversa  int64  `json:"idConversa"`
	Descricao   string `json:"descricao"`
	NomeUsuario string `json:"nomeUsuario"`
	DataCriacao string `json:"dataCriacao"`
}

// parseAPITime accepts the two timestamp renderings the API is known to emit.
func parseAPITime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (d conversationDTO) toModel() models.Conversation {
	c := models.Conversation{
		ID:            d.IDConversa,
		Name:          d.NomeCliente,
		Phone:         d.NumeroWhatsapp,
		LastMessage:   d.UltimaMensagem,
		LastMessageAt: parseAPITime(d.DataUltimaMensagem),
		Unread:        d.TotalNaoLidas,
		Owner:         d.NomeVendedor,
	}
	if d.IDStatus != nil {
		c.StatusID = *d.IDStatus
	}
	if d.Valor != nil {
		c.DealValue = *d.Valor
	}
	return c
}

func (d messageDTO) toModel() models.Message {
	m := models.Message{
		ID:             d.IDMensagem,
		ConversationID: d.IDConversa,
		Text:           d.Mensagem,
		SentAt:         parseAPITime(d.DataEnvio),
		Status:         models.StatusSent,
		Type:           models.ContentText,
	}
	switch d.OrigemMensagem {
	case 1:
		m.Sender = models.SenderAgent
	case 2:
		m.Sender = models.SenderAssistant
	default:
		m.Sender = models.SenderCustomer
	}
	if d.TipoMensagem != nil {
		switch models.ContentType(*d.TipoMensagem) {
		case models.ContentImage, models.ContentAudio, models.ContentFile, models.ContentDocument:
			m.Type = models.ContentType(*d.TipoMensagem)
		}
	}
	if d.URLMidia != nil {
		m.MediaURL = *d.URLMidia
	}
	return m
}

// DecodePushMessage decodes a ReceiveNewMessage hub payload, which shares the
// wire shape of the REST message list entries.
func DecodePushMessage(raw json.RawMessage) (models.Message, error) {
	var dto messageDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return models.Message{}, fmt.Errorf("failed to decode pushed message: %w", err)
	}
	return dto.toModel(), nil
}

// NormalizeUser maps every known "current user" response shape into the one
// canonical User type. The API answers either with the standard envelope
// ({sucesso, dados: {...}}) or, on older deployments, with the bare user
// object ({id, nome, ...}); downstream code only ever sees models.User.
func NormalizeUser(raw []byte) (models.User, error) {
	var env struct {
		Sucesso bool            `json:"sucesso"`
		Dados   json.RawMessage `json:"dados"`
	}
	body := raw
	if err := json.Unmarshal(raw, &env); err == nil && env.Sucesso && len(env.Dados) > 0 {
		body = env.Dados
	}

	var dto struct {
		ID    int64  `json:"id"`
		IDAlt int64  `json:"idUsuario"`
		Nome  string `json:"nome"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &dto); err != nil {
		return models.User{}, fmt.Errorf("failed to decode user payload: %w", err)
	}

	u := models.User{ID: dto.ID, Name: dto.Nome, Email: dto.Email, Raw: append(json.RawMessage(nil), body...)}
	if u.ID == 0 {
		u.ID = dto.IDAlt
	}
	if u.Name == "" {
		u.Name = dto.Name
	}
	if u.ID == 0 {
		return models.User{}, fmt.Errorf("user payload has no recognizable id")
	}
	return u, nil
}
