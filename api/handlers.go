package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yllada/veilvpn/catalog"
	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/history"
	"github.com/yllada/veilvpn/vpn"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code and error code.
func writeError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrServerLocked):
		return http.StatusConflict, CodeServerLocked
	case errors.Is(err, common.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, common.ErrNoServerSelected):
		return http.StatusConflict, CodeNoSelection
	case errors.Is(err, common.ErrServerNotFound), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, common.ErrInvalidServer):
		return http.StatusUnprocessableEntity, CodeInvalidServer
	case errors.Is(err, common.ErrTeardownTimeout):
		return http.StatusGatewayTimeout, CodeTeardownFailed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	case errors.Is(err, errNotConfigured):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: CodeBadRequest})
}

// filterFromQuery reads ?tier=&search=&region=&protocol=&online=.
func filterFromQuery(q map[string][]string) (catalog.Filter, error) {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	f := catalog.Filter{
		Tier:   get("tier"),
		Search: get("search"),
		Region: get("region"),
	}
	switch f.Tier {
	case "", common.TierAll, common.TierFree, common.TierPremium:
	default:
		return f, errors.New("tier must be all, free or premium")
	}
	if p := get("protocol"); p != "" {
		proto, err := catalog.ParseProtocol(p)
		if err != nil {
			return f, err
		}
		f.Protocol = proto
	}
	if o := get("online"); o != "" {
		online, err := strconv.ParseBool(o)
		if err != nil {
			return f, errors.New("online must be a boolean")
		}
		f.OnlineOnly = online
	}
	return f, nil
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r.URL.Query())
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if selected, ok := s.opts.Session.Selected(); ok {
		f.SelectedID = selected.ID
	}

	servers := slices.Collect(s.opts.Servers.List(f))
	if servers == nil {
		servers = []catalog.ServerDescriptor{}
	}
	writeJSON(w, http.StatusOK, ServerList{
		Servers:   servers,
		Total:     len(servers),
		UpdatedAt: s.opts.Servers.UpdatedAt(),
	})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.opts.Servers.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) status() Status {
	var selected *catalog.ServerDescriptor
	if sel, ok := s.opts.Session.Selected(); ok {
		selected = &sel
	}
	return NewStatus(s.opts.Session.Status(), selected, s.opts.Session.KillSwitchEngaged(), s.now())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ServerID) == "" {
		badRequest(w, "server_id is required")
		return
	}
	if err := s.opts.Session.SelectServerByID(req.ServerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

// waitParam parses ?wait=, which is "true" or a duration.
func waitParam(r *http.Request) (time.Duration, bool, error) {
	v := r.URL.Query().Get("wait")
	if v == "" {
		return 0, false, nil
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return defaultConnectWait, b, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false, errors.New("wait must be a boolean or a positive duration")
	}
	return min(d, maxConnectWait), true, nil
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.startSession(w, r, s.opts.Session.Connect)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.startSession(w, r, s.opts.Session.Retry)
}

// startSession runs start and replies 202 with the Connecting status, or
// with the settled status when the client asked to wait.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, start func(context.Context) (vpn.Snapshot, error)) {
	timeout, wait, err := waitParam(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if _, err := start(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, s.status())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if _, err := s.opts.Session.WaitSettled(ctx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Session.Disconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, fmt.Errorf("history: %w", errNotConfigured))
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := s.opts.History.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := s.opts.History.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, HistoryList{Sessions: records, Summary: summary})
}
