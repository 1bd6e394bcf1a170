package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Debate/internal/persona"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type personaHandlers struct {
	client         *persona.Client
	defaultPersona string
}

func (h personaHandlers) fail(c *gin.Context, err error) {
	var apiErr *persona.APIError
	switch {
	case errors.As(err, &apiErr):
		log.Warn().Err(err).Str("module", "adapters.http").Msg("persona api error")
		c.JSON(http.StatusBadGateway, gin.H{"error": apiErr.Message, "status": apiErr.StatusCode})
	case errors.Is(err, persona.ErrNoAPIKey):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("module", "adapters.http").Msg("persona request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "persona_unreachable"})
	}
}

func (h personaHandlers) get(c *gin.Context) {
	id := c.Param("id")
	if id == "" || id == "default" {
		id = h.defaultPersona
	}
	p, err := h.client.GetPersona(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h personaHandlers) create(c *gin.Context) {
	var req struct {
		PersonaID   string `json:"persona_id"`
		CallbackURL string `json:"callback_url"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.PersonaID == "" {
		req.PersonaID = h.defaultPersona
	}
	if req.CallbackURL == "" {
		if origin := c.GetHeader("Origin"); origin != "" {
			req.CallbackURL = origin + "/api/persona/callback"
		}
	}
	conv, err := h.client.CreateConversation(c.Request.Context(), req.PersonaID, req.CallbackURL)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h personaHandlers) end(c *gin.Context) {
	if err := h.client.EndConversation(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h personaHandlers) speak(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text required"})
		return
	}
	if err := h.client.Speak(c.Request.Context(), c.Param("id"), req.Text); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
