package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"kite-server/internal/group"
	"kite-server/internal/middleware"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

type membersResponse struct {
	Members []group.Membership `json:"members"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// ListMembersHandler returns one page of a group's members in join order.
func (h *Handler) ListMembersHandler(w http.ResponseWriter, r *http.Request) {
	page := group.Page{Limit: defaultPageSize}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			badRequest(w, "limit must be between 1 and "+strconv.Itoa(maxPageSize))
			return
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "offset must be a non-negative integer")
			return
		}
		page.Offset = n
	}

	members, err := h.svc.GetGroupMembers(r.Context(), chi.URLParam(r, "groupID"), page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if members == nil {
		members = []group.Membership{}
	}
	writeJSON(w, http.StatusOK, membersResponse{Members: members, Limit: page.Limit, Offset: page.Offset})
}

type addMemberRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

func (h *Handler) AddMemberHandler(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.svc.AddMember(r.Context(), chi.URLParam(r, "groupID"), req.UserID, middleware.UserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// RemoveMemberHandler kicks a member, or lets the caller leave when the
// target is the caller.
func (h *Handler) RemoveMemberHandler(w http.ResponseWriter, r *http.Request) {
	err := h.svc.RemoveMember(r.Context(), chi.URLParam(r, "groupID"), chi.URLParam(r, "userID"), middleware.UserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateRoleRequest struct {
	Role string `json:"role" validate:"required,group_role"`
}

// UpdateRoleHandler changes a member's role. Promoting to owner transfers
// ownership.
func (h *Handler) UpdateRoleHandler(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.svc.UpdateMemberRole(r.Context(), chi.URLParam(r, "groupID"), chi.URLParam(r, "userID"), group.Role(req.Role), middleware.UserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type setPermissionsRequest struct {
	Overrides group.Overrides `json:"overrides"`
}

func (h *Handler) SetPermissionsHandler(w http.ResponseWriter, r *http.Request) {
	var req setPermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.svc.SetMemberOverrides(r.Context(), chi.URLParam(r, "groupID"), chi.URLParam(r, "userID"), req.Overrides, middleware.UserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type permissionResponse struct {
	Action  group.Action `json:"action"`
	Allowed bool         `json:"allowed"`
}

// HasPermissionHandler answers whether the caller may perform an action.
func (h *Handler) HasPermissionHandler(w http.ResponseWriter, r *http.Request) {
	action, err := group.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	allowed, err := h.svc.HasPermission(r.Context(), chi.URLParam(r, "groupID"), middleware.UserID(r.Context()), action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permissionResponse{Action: action, Allowed: allowed})
}

func (h *Handler) EffectivePermissionsHandler(w http.ResponseWriter, r *http.Request) {
	perms, err := h.svc.EffectivePermissions(r.Context(), chi.URLParam(r, "groupID"), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}
