package admin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/busdeck/internal/activity"
	"github.com/nuetzliches/busdeck/internal/broker"
	"github.com/nuetzliches/busdeck/internal/explorer"
	"github.com/nuetzliches/busdeck/internal/secrets"
)

const (
	defaultActivityLimit = 100
	maxActivityLimit     = 10000

	activityFollowBuffer    = 256
	activityFollowHeartbeat = 15 * time.Second
	defaultPeekCount     = 10
	maxSendMessages      = 1000

	auditReasonHeader     = "X-Busdeck-Audit-Reason"
	auditActorHeader      = "X-Busdeck-Audit-Actor"
	auditRequestIDHeader  = "X-Request-ID"
	maxAuditReasonLength  = 512
	maxAuditActorLength   = 256
	maxAuditRequestIDSize = 256
	defaultMaxBodyBytes   = 4 << 20 // 4 MiB

	anonymousPrincipal = "anonymous"
)

// Authorizer reports the caller's principal and whether the request may
// proceed.
type Authorizer func(r *http.Request) (principal string, ok bool)

var errRequestBodyTooLarge = errors.New("request body too large")

// BearerTokenAuthorizer checks the Authorization header against the token
// set returned by tokens, which is consulted on every request so rotated
// tokens apply without a restart. An empty set admits everyone.
func BearerTokenAuthorizer(tokens func() secrets.Set, now func() time.Time) Authorizer {
	if now == nil {
		now = time.Now
	}
	return func(r *http.Request) (string, bool) {
		set := tokens()
		if len(set.Versions) == 0 {
			return anonymousPrincipal, true
		}

		h := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return "", false
		}
		got := strings.TrimSpace(strings.TrimPrefix(h, prefix))
		if got == "" {
			return "", false
		}
		v, ok := set.Match([]byte(got), now())
		if !ok {
			return "", false
		}
		return v.ID, true
	}
}

type Server struct {
	Explorer          *explorer.Service
	Activity          *activity.Log
	Logger            *slog.Logger
	Authorize         Authorizer
	HealthDiagnostics func() map[string]any

	RequireAuditReason bool
	MaxBodyBytes       int64
	Limiter            *MutationLimiter
	AuditMutation      func(MutationAuditEvent)
	Now                func() time.Time
}

// MutationAuditEvent describes one completed or failed mutating request.
type MutationAuditEvent struct {
	At        time.Time
	Operation string
	Entity    string
	MessageID string
	SubQueue  string
	Affected  int
	Principal string
	Reason    string
	Actor     string
	RequestID string
	Err       string
}

type managementAudit struct {
	Reason    string
	Actor     string
	RequestID string
}

type principalKey struct{}

func NewServer(svc *explorer.Service, log *activity.Log) *Server {
	return &Server{
		Explorer:           svc,
		Activity:           log,
		RequireAuditReason: true,
		MaxBodyBytes:       defaultMaxBodyBytes,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := anonymousPrincipal
	if s.Authorize != nil {
		p, ok := s.Authorize(r)
		if !ok {
			writeManagementError(w, http.StatusUnauthorized, codeUnauthorized, "request is not authorized")
			return
		}
		if p != "" {
			principal = p
		}
	}
	r = r.WithContext(context.WithValue(r.Context(), principalKey{}, principal))

	type route struct {
		method string
		handle func(http.ResponseWriter, *http.Request)
	}
	routes := map[string]route{
		"/healthz":              {http.MethodGet, s.handleHealthz},
		"/counts":               {http.MethodGet, s.handleCounts},
		"/messages":             {http.MethodGet, s.handleMessages},
		"/messages/peek":        {http.MethodGet, s.handlePeek},
		"/messages/delete":      {http.MethodPost, s.handleDelete},
		"/messages/purge":       {http.MethodPost, s.handlePurge},
		"/messages/send":        {http.MethodPost, s.handleSend},
		"/dead_letter/resubmit": {http.MethodPost, s.handleResubmit},
		"/activity":             {http.MethodGet, s.handleActivity},
		"/activity/clear":       {http.MethodPost, s.handleActivityClear},
	}
	rt, ok := routes[path.Clean(r.URL.Path)]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method != rt.method {
		writeMethodNotAllowed(w, rt.method)
		return
	}
	rt.handle(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	details, ok := parseBoolParam(strings.TrimSpace(r.URL.Query().Get("details")))
	if !ok {
		writeManagementError(w, http.StatusBadRequest, codeInvalidQuery, "details must be true|false")
		return
	}
	if !details {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
		return
	}

	diagnostics := map[string]any{}
	if s.HealthDiagnostics != nil {
		if v := s.HealthDiagnostics(); v != nil {
			diagnostics = v
		}
	}
	if s.Activity != nil {
		diagnostics["activity_entries"] = s.Activity.Len()
	}
	if s.Explorer != nil {
		diagnostics["budgets"] = s.Explorer.Budgets()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"time":        s.now().UTC().Format(time.RFC3339Nano),
		"diagnostics": diagnostics,
	})
}

type countsResponse struct {
	Entity     string `json:"entity"`
	Active     int64  `json:"active"`
	DeadLetter int64  `json:"dead_letter"`
	Total      int64  `json:"total"`
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	entity, ok := parseEntityParam(w, r.URL.Query().Get("entity"))
	if !ok {
		return
	}
	counts, err := s.Explorer.GetMessageCounts(r.Context(), entity)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countsResponse{
		Entity:     entity.Path(),
		Active:     counts.Active,
		DeadLetter: counts.DeadLetter,
		Total:      counts.Total(),
	})
}

type pageResponse struct {
	Entity      string                 `json:"entity"`
	View        string                 `json:"view"`
	Page        int                    `json:"page"`
	PageSize    int                    `json:"page_size"`
	TotalCount  int64                  `json:"total_count"`
	TotalPages  int                    `json:"total_pages"`
	HasPrevious bool                   `json:"has_previous"`
	HasNext     bool                   `json:"has_next"`
	StartIndex  int64                  `json:"start_index"`
	EndIndex    int64                  `json:"end_index"`
	Items       []explorer.MessageView `json:"items"`
}

func newPageResponse(entity broker.Entity, view explorer.View, res explorer.PagedResult) pageResponse {
	return pageResponse{
		Entity:      entity.Path(),
		View:        view.String(),
		Page:        res.PageNumber,
		PageSize:    res.PageSize,
		TotalCount:  res.TotalCount,
		TotalPages:  res.TotalPages(),
		HasPrevious: res.HasPrevious(),
		HasNext:     res.HasNext(),
		StartIndex:  res.StartIndex(),
		EndIndex:    res.EndIndex(),
		Items:       explorer.ViewsOf(res.Items),
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entity, ok := parseEntityParam(w, q.Get("entity"))
	if !ok {
		return
	}
	page, ok := parseIntParam(w, q.Get("page"), "page", 1)
	if !ok {
		return
	}
	size, ok := parseIntParam(w, q.Get("page_size"), "page_size", explorer.DefaultPageSize)
	if !ok {
		return
	}
	view, err := explorer.ParseView(strings.TrimSpace(q.Get("view")))
	if err != nil {
		writeManagementError(w, http.StatusBadRequest, codeInvalidQuery, err.Error())
		return
	}

	res, err := s.Explorer.Page(r.Context(), entity, page, size, view)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(entity, view, res))
}

type peekResponse struct {
	Entity   string                 `json:"entity"`
	SubQueue string                 `json:"sub_queue"`
	Items    []explorer.MessageView `json:"items"`
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entity, ok := parseEntityParam(w, q.Get("entity"))
	if !ok {
		return
	}
	count, ok := parseIntParam(w, q.Get("count"), "count", defaultPeekCount)
	if !ok {
		return
	}
	if count > explorer.MaxPageSize {
		writeManagementError(w, http.StatusBadRequest, codeInvalidQuery, fmt.Sprintf("count must be <= %d", explorer.MaxPageSize))
		return
	}

	var (
		msgs []broker.Message
		err  error
	)
	sub := strings.ToLower(strings.TrimSpace(q.Get("sub_queue")))
	switch sub {
	case "", "active":
		sub = broker.Active.String()
		msgs, err = s.Explorer.PeekPage(r.Context(), entity, count)
	case "dead_letter":
		msgs, err = s.Explorer.PeekDeadLetterPage(r.Context(), entity, count)
	case "all":
		msgs, err = s.Explorer.PeekAll(r.Context(), entity, count)
	default:
		writeManagementError(w, http.StatusBadRequest, codeInvalidQuery, "sub_queue must be active|dead_letter|all")
		return
	}
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, peekResponse{Entity: entity.Path(), SubQueue: sub, Items: explorer.ViewsOf(msgs)})
}

type deleteRequest struct {
	Entity   string `json:"entity"`
	ID       string `json:"id"`
	SubQueue string `json:"sub_queue"`
}

type deleteResponse struct {
	Deleted bool                 `json:"deleted"`
	Batches int                  `json:"batches"`
	Scanned int                  `json:"scanned"`
	Message explorer.MessageView `json:"message"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	audit, ok := s.beginMutation(w, r)
	if !ok {
		return
	}
	var req deleteRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	entity, ok := parseEntityParam(w, req.Entity)
	if !ok {
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		writeManagementError(w, http.StatusBadRequest, codeInvalidBody, "id is required")
		return
	}
	q, err := broker.ParseSubQueue(req.SubQueue)
	if err != nil {
		writeManagementError(w, http.StatusBadRequest, codeInvalidBody, err.Error())
		return
	}

	var res explorer.ScanResult
	if q == broker.DeadLetter {
		res, err = s.Explorer.DeleteDeadLetterMessage(r.Context(), entity, id)
	} else {
		res, err = s.Explorer.DeleteActiveMessage(r.Context(), entity, id)
	}
	if err == nil && !res.Found {
		err = NewOperationError(explorer.ErrMessageNotFound, http.StatusNotFound, codeNotFound,
			fmt.Sprintf("message %s not found in %s/%s after scanning %d messages", id, entity, q, res.Scanned))
	}
	event := MutationAuditEvent{Operation: "delete", Entity: entity.Path(), MessageID: id, SubQueue: q.String()}
	if res.Found {
		event.Affected = 1
	}
	s.emitMutationAudit(r, audit, event, err)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{
		Deleted: true,
		Batches: res.Batches,
		Scanned: res.Scanned,
		Message: explorer.ViewOf(res.Message),
	})
}

type purgeRequest struct {
	Entity string `json:"entity"`
	Option string `json:"option"`
}

type purgeResponse struct {
	Entity string `json:"entity"`
	Option string `json:"option"`
	Purged int    `json:"purged"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	audit, ok := s.beginMutation(w, r)
	if !ok {
		return
	}
	var req purgeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	entity, ok := parseEntityParam(w, req.Entity)
	if !ok {
		return
	}
	option, err := explorer.ParsePurgeOption(strings.TrimSpace(req.Option))
	if err != nil {
		writeManagementError(w, http.StatusBadRequest, codeInvalidBody, err.Error())
		return
	}

	purged, err := s.Explorer.PurgeMessages(r.Context(), entity, option)
	s.emitMutationAudit(r, audit, MutationAuditEvent{
		Operation: "purge",
		Entity:    entity.Path(),
		SubQueue:  option.String(),
		Affected:  purged,
	}, err)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{Entity: entity.Path(), Option: option.String(), Purged: purged})
}

type sendMessageItem struct {
	ID            string         `json:"id"`
	Body          string         `json:"body"`
	BodyB64       string         `json:"body_b64"`
	ContentType   string         `json:"content_type"`
	Subject       string         `json:"subject"`
	CorrelationID string         `json:"correlation_id"`
	SessionID     string         `json:"session_id"`
	Properties    map[string]any `json:"properties"`
	Raw           bool           `json:"raw"`
}

type sendRequest struct {
	Entity        string            `json:"entity"`
	Messages      []sendMessageItem `json:"messages"`
	DecodeEscapes bool              `json:"decode_escapes"`
}

type sendResponse struct {
	Entity string `json:"entity"`
	Sent   int    `json:"sent"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	audit, ok := s.beginMutation(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	entity, ok := parseEntityParam(w, req.Entity)
	if !ok {
		return
	}
	if len(req.Messages) == 0 {
		writeManagementError(w, http.StatusBadRequest, codeInvalidBody, "messages must contain at least one message")
		return
	}
	if len(req.Messages) > maxSendMessages {
		writeManagementError(w, http.StatusBadRequest, codeInvalidBody, fmt.Sprintf("messages must contain at most %d messages", maxSendMessages))
		return
	}
	msgs := make([]explorer.OutgoingMessage, 0, len(req.Messages))
	for i, item := range req.Messages {
		msg, err := item.outgoing(req.DecodeEscapes)
		if err != nil {
			writeManagementError(w, http.StatusBadRequest, codeInvalidBody, fmt.Sprintf("messages[%d]: %v", i, err))
			return
		}
		msgs = append(msgs, msg)
	}

	sent, err := s.Explorer.SendMessages(r.Context(), entity, msgs)
	s.emitMutationAudit(r, audit, MutationAuditEvent{Operation: "send", Entity: entity.Path(), Affected: sent}, err)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Entity: entity.Path(), Sent: sent})
}

func (item sendMessageItem) outgoing(decodeEscapes bool) (explorer.OutgoingMessage, error) {
	if item.Body != "" && item.BodyB64 != "" {
		return explorer.OutgoingMessage{}, errors.New("body and body_b64 are mutually exclusive")
	}
	var body []byte
	switch {
	case item.BodyB64 != "":
		b, err := base64.StdEncoding.DecodeString(item.BodyB64)
		if err != nil {
			return explorer.OutgoingMessage{}, errors.New("body_b64 must be valid base64")
		}
		body = b
	case decodeEscapes:
		body = []byte(explorer.DecodeEscapes(item.Body))
	default:
		body = []byte(item.Body)
	}
	return explorer.OutgoingMessage{
		ID:            strings.TrimSpace(item.ID),
		Body:          body,
		ContentType:   item.ContentType,
		Subject:       item.Subject,
		CorrelationID: item.CorrelationID,
		SessionID:     item.SessionID,
		Properties:    item.Properties,
		Raw:           item.Raw,
	}, nil
}

type resubmitRequest struct {
	Entity         string `json:"entity"`
	ID             string `json:"id"`
	KeepDeadLetter bool   `json:"keep_dead_letter"`
}

type resubmitResponse struct {
	Entity         string `json:"entity"`
	ID             string `json:"id"`
	Resubmitted    bool   `json:"resubmitted"`
	KeepDeadLetter bool   `json:"keep_dead_letter"`
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	audit, ok := s.beginMutation(w, r)
	if !ok {
		return
	}
	var req resubmitRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	entity, ok := parseEntityParam(w, req.Entity)
	if !ok {
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		writeManagementError(w, http.StatusBadRequest, codeInvalidBody, "id is required")
		return
	}

	err := s.Explorer.ResubmitDeadLetterMessage(r.Context(), entity, id, explorer.ResubmitOptions{KeepDeadLetter: req.KeepDeadLetter})
	event := MutationAuditEvent{Operation: "resubmit", Entity: entity.Path(), MessageID: id, SubQueue: broker.DeadLetter.String()}
	if err == nil {
		event.Affected = 1
	}
	s.emitMutationAudit(r, audit, event, err)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resubmitResponse{
		Entity:         entity.Path(),
		ID:             id,
		Resubmitted:    true,
		KeepDeadLetter: req.KeepDeadLetter,
	})
}

type activityResponse struct {
	Entries []activity.Entry `json:"entries"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.Activity == nil {
		writeManagementError(w, http.StatusServiceUnavailable, codeActivityUnavailable, "activity log is not enabled")
		return
	}
	limit, ok := parseIntParam(w, r.URL.Query().Get("limit"), "limit", defaultActivityLimit)
	if !ok {
		return
	}
	if limit > maxActivityLimit {
		writeManagementError(w, http.StatusBadRequest, codeInvalidQuery, fmt.Sprintf("limit must be <= %d", maxActivityLimit))
		return
	}
	follow, ok := parseBoolParam(r.URL.Query().Get("follow"))
	if !ok {
		writeManagementError(w, http.StatusBadRequest, codeInvalidQuery, "follow must be a boolean")
		return
	}
	if follow {
		s.streamActivity(w, r, limit)
		return
	}
	writeJSON(w, http.StatusOK, activityResponse{Entries: s.Activity.Entries(limit)})
}

// streamActivity writes the last limit entries and then every new one as
// server-sent events until the client disconnects. Entries logged while the
// tail is written may appear twice.
func (s *Server) streamActivity(w http.ResponseWriter, r *http.Request, limit int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeManagementError(w, http.StatusNotImplemented, codeActivityUnavailable, "response writer cannot stream")
		return
	}
	entries, cancel := s.Activity.Subscribe(activityFollowBuffer)
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, e := range s.Activity.Entries(limit) {
		if err := writeActivityEvent(w, e); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(activityFollowHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
		case e, open := <-entries:
			if !open {
				return
			}
			if err := writeActivityEvent(w, e); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeActivityEvent(w io.Writer, e activity.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: activity\ndata: %s\n\n", data)
	return err
}

func (s *Server) handleActivityClear(w http.ResponseWriter, r *http.Request) {
	if s.Activity == nil {
		writeManagementError(w, http.StatusServiceUnavailable, codeActivityUnavailable, "activity log is not enabled")
		return
	}
	audit, ok := s.beginMutation(w, r)
	if !ok {
		return
	}
	n := s.Activity.Len()
	s.Activity.Clear()
	s.emitMutationAudit(r, audit, MutationAuditEvent{Operation: "activity_clear", Affected: n}, nil)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// beginMutation enforces the audit header policy and the per-caller rate
// limit shared by every mutating endpoint.
func (s *Server) beginMutation(w http.ResponseWriter, r *http.Request) (managementAudit, bool) {
	audit, ok := parseManagementAudit(r, s.RequireAuditReason)
	if !ok {
		writeManagementError(w, http.StatusBadRequest, codeAuditReasonRequired,
			fmt.Sprintf("%s header is required (max %d chars)", auditReasonHeader, maxAuditReasonLength))
		return managementAudit{}, false
	}
	if !s.Limiter.Allow(limiterKey(r)) {
		w.Header().Set("Retry-After", "1")
		writeManagementError(w, http.StatusTooManyRequests, codeRateLimited, "mutation rate limit exceeded")
		return managementAudit{}, false
	}
	return audit, true
}

func limiterKey(r *http.Request) string {
	p := principalOf(r)
	if p != anonymousPrincipal {
		return "token:" + p
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

func principalOf(r *http.Request) string {
	if p, ok := r.Context().Value(principalKey{}).(string); ok && p != "" {
		return p
	}
	return anonymousPrincipal
}

func parseManagementAudit(r *http.Request, requireReason bool) (managementAudit, bool) {
	if r == nil {
		return managementAudit{}, !requireReason
	}

	reason := strings.TrimSpace(r.Header.Get(auditReasonHeader))
	actor := strings.TrimSpace(r.Header.Get(auditActorHeader))
	requestID := strings.TrimSpace(r.Header.Get(auditRequestIDHeader))
	if requireReason && reason == "" {
		return managementAudit{}, false
	}
	if len(reason) > maxAuditReasonLength || len(actor) > maxAuditActorLength || len(requestID) > maxAuditRequestIDSize {
		return managementAudit{}, false
	}

	return managementAudit{
		Reason:    reason,
		Actor:     actor,
		RequestID: requestID,
	}, true
}

func (s *Server) emitMutationAudit(r *http.Request, audit managementAudit, event MutationAuditEvent, err error) {
	event.At = s.now()
	event.Principal = principalOf(r)
	event.Reason = audit.Reason
	event.Actor = audit.Actor
	event.RequestID = audit.RequestID
	if err != nil {
		event.Err = err.Error()
	}

	if s.Logger != nil {
		attrs := []any{
			slog.String("operation", event.Operation),
			slog.String("principal", event.Principal),
			slog.Int("affected", event.Affected),
		}
		if event.Entity != "" {
			attrs = append(attrs, slog.String("entity", event.Entity))
		}
		if event.MessageID != "" {
			attrs = append(attrs, slog.String("message_id", event.MessageID))
		}
		if event.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.Reason))
		}
		if event.Actor != "" {
			attrs = append(attrs, slog.String("actor", event.Actor))
		}
		if event.RequestID != "" {
			attrs = append(attrs, slog.String("request_id", event.RequestID))
		}
		if err != nil {
			s.Logger.Warn("admin_mutation_failed", append(attrs, slog.Any("err", err))...)
		} else {
			s.Logger.Info("admin_mutation", attrs...)
		}
	}
	if s.AuditMutation != nil {
		s.AuditMutation(event)
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	maxBytes := s.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	if err := decodeJSONBodyStrict(r, out, maxBytes); err != nil {
		if errors.Is(err, errRequestBodyTooLarge) {
			writeManagementError(w, http.StatusRequestEntityTooLarge, codeInvalidBody, fmt.Sprintf("request body exceeds %d bytes", maxBytes))
			return false
		}
		writeManagementError(w, http.StatusBadRequest, codeInvalidBody, "request body must be valid JSON: "+err.Error())
		return false
	}
	return true
}

func decodeJSONBodyStrict(r *http.Request, out any, maxBytes int64) error {
	if r == nil || r.Body == nil {
		return errors.New("request body is missing")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return err
	}
	if int64(len(body)) > maxBytes {
		return errRequestBodyTooLarge
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("request body must contain a single JSON document")
		}
		return err
	}
	return nil
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func parseEntityParam(w http.ResponseWriter, raw string) (broker.Entity, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		writeManagementError(w, http.StatusBadRequest, codeInvalidQuery, "entity is required")
		return broker.Entity{}, false
	}
	entity, err := broker.ParseEntity(raw)
	if err != nil {
		writeManagementError(w, http.StatusBadRequest, codeInvalidQuery, err.Error())
		return broker.Entity{}, false
	}
	return entity, true
}

func parseIntParam(w http.ResponseWriter, raw, name string, def int) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeManagementError(w, http.StatusBadRequest, codeInvalidQuery, name+" must be a positive integer")
		return 0, false
	}
	return n, true
}

func parseBoolParam(raw string) (bool, bool) {
	switch strings.ToLower(raw) {
	case "", "0", "false", "no", "off":
		return false, true
	case "1", "true", "yes", "on":
		return true, true
	default:
		return false, false
	}
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeOperationError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	writeManagementError(w, status, code, err.Error())
}

func writeManagementError(w http.ResponseWriter, status int, code, detail string) {
	if w == nil {
		return
	}
	code = strings.TrimSpace(code)
	if code == "" {
		code = codeInvalidBody
	}
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Code: code, Detail: detail})
}

func writeMethodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeManagementError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed; use "+allow)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
