package http

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/dkeye/PeerMatch/internal/app/orch"
	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

var roleSlug = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

func validRole(fl validator.FieldLevel) bool {
	return roleSlug.MatchString(fl.Field().String())
}

type detailsBody struct {
	Name     string   `json:"name" binding:"omitempty,max=64"`
	Role     string   `json:"role" binding:"required,role"`
	Skills   []string `json:"skills" binding:"max=32,dive,min=1,max=64"`
	ImageURL string   `json:"imageUrl" binding:"omitempty,url"`
	Company  string   `json:"company" binding:"max=128"`
}

type preferencesBody struct {
	Roles               []string `json:"roles" binding:"max=16,dive,role"`
	SkipPreviousMatches bool     `json:"skipPreviousMatches"`
}

type joinRequest struct {
	Details     detailsBody     `json:"userDetails"`
	Preferences preferencesBody `json:"preferences"`
}

type renameRequest struct {
	Username string `json:"username" binding:"required"`
}

type handlers struct {
	orch    *orch.Orchestrator
	ids     core.IdentityProvider
	limiter *AttemptLimiter
}

// user resolves the caller. A username kept in the session cookie survives
// a server restart.
func (h *handlers) user(c *gin.Context) domain.User {
	sid := core.SessionID(c.GetString(clientTokenKey))
	u := h.ids.GetOrCreateUser(sid)
	if name, ok := sessions.Default(c).Get("username").(string); ok && name != "" && name != u.Username {
		if restored, err := h.ids.UpdateUsername(sid, name); err == nil {
			u = restored
		}
	}
	return u
}

func (h *handlers) me(c *gin.Context) {
	c.JSON(http.StatusOK, h.user(c))
}

func (h *handlers) rename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	u, err := h.ids.UpdateUsername(core.SessionID(c.GetString(clientTokenKey)), req.Username)
	if err != nil {
		writeError(c, err)
		return
	}
	s := sessions.Default(c)
	s.Set("username", u.Username)
	if err := s.Save(); err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("save session")
	}
	c.JSON(http.StatusOK, u)
}

func (h *handlers) join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	u := h.user(c)
	details := domain.Details{
		Name:     req.Details.Name,
		Role:     req.Details.Role,
		Skills:   req.Details.Skills,
		ImageURL: req.Details.ImageURL,
		Company:  req.Details.Company,
	}
	if details.Name == "" {
		details.Name = u.Username
	}
	prefs := domain.Preferences{
		Roles:               req.Preferences.Roles,
		SkipPreviousMatches: req.Preferences.SkipPreviousMatches,
	}
	e, err := h.orch.Join(c.Request.Context(), u.ID, details, prefs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (h *handlers) leave(c *gin.Context) {
	u := h.user(c)
	if err := h.orch.Leave(c.Request.Context(), u.ID); err != nil {
		writeError(c, err)
		return
	}
	h.limiter.Forget(u.ID)
	c.Status(http.StatusNoContent)
}

func (h *handlers) status(c *gin.Context) {
	u := h.user(c)
	e, ok, err := h.orch.Status(c.Request.Context(), u.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_queued"})
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *handlers) attempt(c *gin.Context) {
	u := h.user(c)
	if !h.limiter.Allow(u.ID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	m, err := h.orch.AttemptMatch(c.Request.Context(), u.ID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, m)
	case core.Retryable(err):
		c.JSON(http.StatusAccepted, gin.H{"status": string(domain.StatusWaiting)})
	default:
		writeError(c, err)
	}
}

func (h *handlers) room(c *gin.Context) {
	u := h.user(c)
	r, err := h.orch.RoomFor(c.Request.Context(), u.ID, domain.RoomID(c.Param("id")))
	if err != nil && !errors.Is(err, core.ErrRoomInactive) {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *handlers) endRoom(c *gin.Context) {
	u := h.user(c)
	if err := h.orch.EndRoom(c.Request.Context(), u.ID, domain.RoomID(c.Param("id"))); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Str("module", "adapters.http").Str("path", c.FullPath()).Err(err).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": code})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrNotWaiting):
		return http.StatusConflict, "not_waiting"
	case errors.Is(err, core.ErrQueueWriteConflict):
		return http.StatusServiceUnavailable, "queue_write_conflict"
	case errors.Is(err, core.ErrRoomNotFound):
		return http.StatusNotFound, "room_not_found"
	case errors.Is(err, core.ErrNotParticipant):
		return http.StatusForbidden, "not_participant"
	case errors.Is(err, core.ErrRoomInactive):
		return http.StatusGone, "room_inactive"
	case errors.Is(err, domain.ErrUsernameEmpty), errors.Is(err, domain.ErrUsernameTooLong):
		return http.StatusBadRequest, "bad_username"
	}
	return http.StatusInternalServerError, "internal"
}
