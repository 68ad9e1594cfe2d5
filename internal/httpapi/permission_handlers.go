package httpapi

import (
	"net/http"
	"strings"

	"yaud.dev/internal/audit"
	"yaud.dev/internal/auth"
)

func (a *API) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"permissions": a.auth.Catalog().Permissions()})
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if _, err := a.auth.Account(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	perms, err := a.auth.Permissions(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":  id,
		"permissions": perms,
	})
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	a.changePermission(w, r, true)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	a.changePermission(w, r, false)
}

func (a *API) changePermission(w http.ResponseWriter, r *http.Request, grant bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	perm := auth.Permission(strings.TrimSpace(r.PathValue("permission")))
	if id == "" || perm == "" {
		writeError(w, r, http.StatusBadRequest, "account id and permission are required")
		return
	}

	event := audit.EventRevoke
	var err error
	if grant {
		event = audit.EventGrant
		err = a.auth.Grant(r.Context(), id, perm)
	} else {
		err = a.auth.Revoke(r.Context(), id, perm)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"target":     id,
		"permission": string(perm),
	})
	w.WriteHeader(http.StatusNoContent)
}
