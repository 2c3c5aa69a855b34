package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"kite-server/internal/group"
	"kite-server/internal/middleware"
)

const maxBodyBytes = 64 << 10

// Handler exposes the group service over HTTP. Every route expects the
// authenticated user id in the request context.
type Handler struct {
	svc      *group.Service
	log      *zap.Logger
	validate *Validator
}

func NewHandler(svc *group.Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: log, validate: NewValidator()}
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		badRequest(w, "invalid request body")
		return false
	}
	if err := h.validate.Validate(dst); err != nil {
		h.writeError(w, r, err)
		return false
	}
	return true
}

type createGroupRequest struct {
	Kind         string          `json:"kind" validate:"omitempty,group_kind"`
	Name         string          `json:"name" validate:"required,max=128"`
	Description  string          `json:"description" validate:"max=1024"`
	Avatar       string          `json:"avatar" validate:"max=512"`
	Settings     *group.Settings `json:"settings"`
	Participants []string        `json:"participants" validate:"max=200,dive,required,max=128"`
}

// CreateGroupHandler creates a group owned by the caller.
func (h *Handler) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !h.decode(w, r, &req) {
		return
	}

	g, err := h.svc.CreateGroup(r.Context(), middleware.UserID(r.Context()), group.CreateGroupInput{
		Kind:         group.Kind(req.Kind),
		Name:         req.Name,
		Description:  req.Description,
		Avatar:       req.Avatar,
		Settings:     req.Settings,
		Participants: req.Participants,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *Handler) GetGroupHandler(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.GetGroup(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type updateGroupRequest struct {
	Kind        *string         `json:"kind" validate:"omitempty,group_kind"`
	Name        *string         `json:"name" validate:"omitempty,min=1,max=128"`
	Description *string         `json:"description" validate:"omitempty,max=1024"`
	Avatar      *string         `json:"avatar" validate:"omitempty,max=512"`
	Settings    *group.Settings `json:"settings"`
}

// UpdateGroupHandler patches the fields present in the body.
func (h *Handler) UpdateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req updateGroupRequest
	if !h.decode(w, r, &req) {
		return
	}

	patch := group.GroupPatch{
		Name:        req.Name,
		Description: req.Description,
		Avatar:      req.Avatar,
		Settings:    req.Settings,
	}
	if req.Kind != nil {
		kind := group.Kind(*req.Kind)
		patch.Kind = &kind
	}

	g, err := h.svc.UpdateGroupInfo(r.Context(), chi.URLParam(r, "groupID"), middleware.UserID(r.Context()), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}
