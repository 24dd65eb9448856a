package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jholhewres/wabridge/pkg/wabridge/database"
	"github.com/jholhewres/wabridge/pkg/wabridge/media"
)

const maxBodyBytes = 64 << 10

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("tenantid", func(fl validator.FieldLevel) bool {
		return tenantIDPattern.MatchString(fl.Field().String())
	})
	return v
}

type tenantRequest struct {
	TenantID string `json:"tenantId" validate:"required,tenantid"`
}

type linkEventRequest struct {
	TenantID string `json:"tenantId" validate:"required,tenantid"`
	EventID  *int64 `json:"eventId" validate:"required,gte=0"`
}

type statusResponse struct {
	State          database.SessionState `json:"state"`
	PairingCode    *string               `json:"pairingCode"`
	PhoneIdentity  *string               `json:"phoneIdentity"`
	LastActivityAt *time.Time            `json:"lastActivityAt"`
	Live           bool                  `json:"live"`
}

type errorResponse struct {
	Error string `json:"error"`
}

var successResponse = map[string]bool{"success": true}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decode reads a JSON body into dst and validates it. On failure the error
// response has already been written.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if g.health != nil {
		if err := g.health.Ping(r.Context()); err != nil {
			g.logger.Warn("health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInit implements POST /session/init
func (g *Gateway) handleInit(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decode(w, r, &req) {
		return
	}
	if err := g.sessions.Init(r.Context(), req.TenantID); err != nil {
		g.logger.Error("session init failed", "tenant", req.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("init failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, successResponse)
}

// handleLogout implements POST /session/logout
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decode(w, r, &req) {
		return
	}
	if err := g.sessions.Logout(r.Context(), req.TenantID); err != nil {
		g.logger.Error("session logout failed", "tenant", req.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("logout failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, successResponse)
}

// handleStatus implements GET /session/status?tenantId=
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	req := tenantRequest{TenantID: r.URL.Query().Get("tenantId")}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	sess, err := g.records.GetSession(r.Context(), req.TenantID)
	if errors.Is(err, database.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("session status failed", "tenant", req.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	resp := statusResponse{
		State: sess.State,
		Live:  g.sessions.Live(req.TenantID),
	}
	if sess.PairingCode != "" {
		resp.PairingCode = &sess.PairingCode
	}
	if sess.PhoneIdentity != "" {
		resp.PhoneIdentity = &sess.PhoneIdentity
	}
	if !sess.LastActivityAt.IsZero() {
		resp.LastActivityAt = &sess.LastActivityAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLinkEvent implements POST /session/link-event. eventId 0 unlinks
// every event of the tenant.
func (g *Gateway) handleLinkEvent(w http.ResponseWriter, r *http.Request) {
	var req linkEventRequest
	if !decode(w, r, &req) {
		return
	}

	var err error
	if *req.EventID == 0 {
		err = g.records.UnlinkEvents(r.Context(), req.TenantID)
	} else {
		err = g.records.LinkEvent(r.Context(), req.TenantID, *req.EventID)
	}
	switch {
	case errors.Is(err, database.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case err != nil:
		g.logger.Error("link event failed", "tenant", req.TenantID, "event", *req.EventID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to link event")
	default:
		writeJSON(w, http.StatusOK, successResponse)
	}
}

// handleUpload streams a stored media file. Names are unique per write,
// so responses are cacheable.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	f, info, err := g.media.Open(r.URL.Path)
	switch {
	case errors.Is(err, media.ErrInvalidPath):
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "not found")
		return
	case err != nil:
		g.logger.Error("open upload failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open file")
		return
	}
	defer f.Close()

	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
