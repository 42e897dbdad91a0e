package audit

import (
	"net/http"
	"time"

	apperrors "github.com/platinummonkey/warden/pkg/errors"
	"github.com/platinummonkey/warden/pkg/httputil"
)

// Handlers provides HTTP handlers for the audit log API
type Handlers struct {
	reader Reader
}

// NewHandlers creates new audit handlers
func NewHandlers(reader Reader) *Handlers {
	return &Handlers{reader: reader}
}

// ListEntries handles GET /rbac/audit. Authorization is applied by the
// caller's route wiring.
func (h *Handlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	entries, err := h.reader.ListEntries(r.Context(), filter)
	if err != nil {
		httputil.WriteAppError(w, apperrors.Unavailable("failed to list audit entries", err))
		return
	}

	httputil.WriteSuccess(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"limit":   filter.normalize().Limit,
		"offset":  filter.Offset,
	})
}

func parseFilter(r *http.Request) (Filter, error) {
	var (
		filter Filter
		err    error
	)

	if filter.ActorUserID, err = httputil.ParseQueryInt64Ptr(r, "actor_user_id"); err != nil {
		return filter, err
	}
	if filter.TargetUserID, err = httputil.ParseQueryInt64Ptr(r, "target_user_id"); err != nil {
		return filter, err
	}
	if filter.RoleID, err = httputil.ParseQueryInt64Ptr(r, "role_id"); err != nil {
		return filter, err
	}

	if action := Action(r.URL.Query().Get("action")); action != "" {
		if !action.Valid() {
			return filter, apperrors.Newf(apperrors.CodeInvalidArgument, "unknown audit action: %s", action)
		}
		filter.Action = action
	}

	if filter.Since, err = parseTime(r, "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = parseTime(r, "until"); err != nil {
		return filter, err
	}

	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", DefaultListLimit); err != nil {
		return filter, err
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTime(r *http.Request, key string) (*time.Time, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "invalid RFC3339 time for %s: %s", key, str)
	}
	return &t, nil
}
