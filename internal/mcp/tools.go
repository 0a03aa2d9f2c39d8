package mcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/nuetzliches/busdeck/internal/activity"
	"github.com/nuetzliches/busdeck/internal/broker"
	"github.com/nuetzliches/busdeck/internal/explorer"
)

const (
	defaultPeekCount     = 10
	defaultActivityLimit = 100
	maxActivityLimit     = 10000
	maxSendMessages      = 1000
)

var (
	countsAllowedKeys   = keySet("entity")
	pageAllowedKeys     = keySet("entity", "page", "page_size", "view")
	peekAllowedKeys     = keySet("entity", "count", "sub_queue")
	activityAllowedKeys = keySet("limit", "level")
	deleteAllowedKeys   = keySet("entity", "id", "sub_queue", "reason", "actor", "request_id")
	purgeAllowedKeys    = keySet("entity", "option", "reason", "actor", "request_id")
	resubmitAllowedKeys = keySet("entity", "id", "keep_dead_letter", "reason", "actor", "request_id")
	sendAllowedKeys     = keySet("entity", "messages", "decode_escapes", "reason", "actor", "request_id")
	sendItemAllowedKeys = keySet("id", "body", "body_b64", "content_type", "subject", "correlation_id", "session_id", "properties", "raw")
)

func entitySchema() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Queue name, or topic/subscription",
	}
}

func auditProperties(props map[string]any) map[string]any {
	props["reason"] = map[string]any{"type": "string", "maxLength": maxAuditReasonLength}
	props["actor"] = map[string]any{"type": "string", "maxLength": maxAuditActorLength}
	props["request_id"] = map[string]any{"type": "string", "maxLength": maxAuditRequestIDLength}
	return props
}

func (s *Server) toolDescriptors() []toolDescriptor {
	tools := []toolDescriptor{
		{
			Name:        "counts",
			Description: "Return active and dead-letter message counts for an entity",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"entity": entitySchema()},
				"required":             []string{"entity"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "messages_page",
			Description: "Browse one page of messages without locking them; view all pages active then dead-letter as one stream",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"entity":    entitySchema(),
					"page":      map[string]any{"type": "integer", "minimum": 1},
					"page_size": map[string]any{"type": "integer", "minimum": 1, "maximum": explorer.MaxPageSize},
					"view":      map[string]any{"type": "string", "enum": []string{"all", "active", "dead_letter"}},
				},
				"required":             []string{"entity"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "messages_peek",
			Description: "Peek messages from the head of a sub-queue",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"entity":    entitySchema(),
					"count":     map[string]any{"type": "integer", "minimum": 1, "maximum": explorer.MaxPageSize},
					"sub_queue": map[string]any{"type": "string", "enum": []string{"active", "dead_letter", "all"}},
				},
				"required":             []string{"entity"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "activity_tail",
			Description: "Return the most recent activity log entries",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": maxActivityLimit},
					"level": map[string]any{"type": "string", "enum": []string{"debug", "info", "warn", "error"}},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "message_delete",
			Description: "Delete one message by id within the configured scan budget",
			InputSchema: map[string]any{
				"type": "object",
				"properties": auditProperties(map[string]any{
					"entity":    entitySchema(),
					"id":        map[string]any{"type": "string"},
					"sub_queue": map[string]any{"type": "string", "enum": []string{"active", "dead_letter"}},
				}),
				"required":             []string{"entity", "id", "reason"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "messages_purge",
			Description: "Drain every message from the selected sub-queues",
			InputSchema: map[string]any{
				"type": "object",
				"properties": auditProperties(map[string]any{
					"entity": entitySchema(),
					"option": map[string]any{"type": "string", "enum": []string{"all", "active", "dead_letter"}},
				}),
				"required":             []string{"entity", "reason"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "dead_letter_resubmit",
			Description: "Send a copy of a dead-letter message back to its entity and remove the original unless keep_dead_letter is set",
			InputSchema: map[string]any{
				"type": "object",
				"properties": auditProperties(map[string]any{
					"entity":           entitySchema(),
					"id":               map[string]any{"type": "string"},
					"keep_dead_letter": map[string]any{"type": "boolean"},
				}),
				"required":             []string{"entity", "id", "reason"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "message_send",
			Description: "Send messages to a queue or topic, batching by broker size limits",
			InputSchema: map[string]any{
				"type": "object",
				"properties": auditProperties(map[string]any{
					"entity": entitySchema(),
					"messages": map[string]any{
						"type":     "array",
						"minItems": 1,
						"maxItems": maxSendMessages,
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"id":             map[string]any{"type": "string"},
								"body":           map[string]any{"type": "string"},
								"body_b64":       map[string]any{"type": "string"},
								"content_type":   map[string]any{"type": "string"},
								"subject":        map[string]any{"type": "string"},
								"correlation_id": map[string]any{"type": "string"},
								"session_id":     map[string]any{"type": "string"},
								"properties":     map[string]any{"type": "object"},
								"raw":            map[string]any{"type": "boolean"},
							},
							"additionalProperties": false,
						},
					},
					"decode_escapes": map[string]any{"type": "boolean"},
				}),
				"required":             []string{"entity", "messages", "reason"},
				"additionalProperties": false,
			},
		},
	}
	if s.RuntimeControlEnabled {
		tools = append(tools, runtimeToolDescriptors()...)
	}

	visible := make([]toolDescriptor, 0, len(tools))
	for _, t := range tools {
		if s.toolAccessError(t.Name) == nil {
			visible = append(visible, t)
		}
	}
	return visible
}

func parseEntityArg(args map[string]any) (broker.Entity, error) {
	raw, err := parseRequiredString(args, "entity")
	if err != nil {
		return broker.Entity{}, err
	}
	return broker.ParseEntity(raw)
}

type countsResult struct {
	Entity     string `json:"entity"`
	Active     int64  `json:"active"`
	DeadLetter int64  `json:"dead_letter"`
	Total      int64  `json:"total"`
}

func (s *Server) toolCounts(ctx context.Context, args map[string]any) (any, error) {
	if err := validateAllowedKeys(args, countsAllowedKeys, "arguments"); err != nil {
		return nil, err
	}
	entity, err := parseEntityArg(args)
	if err != nil {
		return nil, err
	}
	counts, err := s.Explorer.GetMessageCounts(ctx, entity)
	if err != nil {
		return nil, err
	}
	return countsResult{
		Entity:     entity.Path(),
		Active:     counts.Active,
		DeadLetter: counts.DeadLetter,
		Total:      counts.Total(),
	}, nil
}

type pageResult struct {
	Entity      string                 `json:"entity"`
	View        string                 `json:"view"`
	Page        int                    `json:"page"`
	PageSize    int                    `json:"page_size"`
	TotalCount  int64                  `json:"total_count"`
	TotalPages  int                    `json:"total_pages"`
	HasPrevious bool                   `json:"has_previous"`
	HasNext     bool                   `json:"has_next"`
	Items       []explorer.MessageView `json:"items"`
}

func (s *Server) toolMessagesPage(ctx context.Context, args map[string]any) (any, error) {
	if err := validateAllowedKeys(args, pageAllowedKeys, "arguments"); err != nil {
		return nil, err
	}
	entity, err := parseEntityArg(args)
	if err != nil {
		return nil, err
	}
	page, err := parseIntArg(args, "page", 1, 1, 1<<30)
	if err != nil {
		return nil, err
	}
	size, err := parseIntArg(args, "page_size", explorer.DefaultPageSize, 1, explorer.MaxPageSize)
	if err != nil {
		return nil, err
	}
	rawView, err := parseString(args, "view")
	if err != nil {
		return nil, err
	}
	view, err := explorer.ParseView(rawView)
	if err != nil {
		return nil, err
	}

	res, err := s.Explorer.Page(ctx, entity, page, size, view)
	if err != nil {
		return nil, err
	}
	return pageResult{
		Entity:      entity.Path(),
		View:        view.String(),
		Page:        res.PageNumber,
		PageSize:    res.PageSize,
		TotalCount:  res.TotalCount,
		TotalPages:  res.TotalPages(),
		HasPrevious: res.HasPrevious(),
		HasNext:     res.HasNext(),
		Items:       explorer.ViewsOf(res.Items),
	}, nil
}

type peekResult struct {
	Entity   string                 `json:"entity"`
	SubQueue string                 `json:"sub_queue"`
	Items    []explorer.MessageView `json:"items"`
}

func (s *Server) toolMessagesPeek(ctx context.Context, args map[string]any) (any, error) {
	if err := validateAllowedKeys(args, peekAllowedKeys, "arguments"); err != nil {
		return nil, err
	}
	entity, err := parseEntityArg(args)
	if err != nil {
		return nil, err
	}
	count, err := parseIntArg(args, "count", defaultPeekCount, 1, explorer.MaxPageSize)
	if err != nil {
		return nil, err
	}
	sub, err := parseString(args, "sub_queue")
	if err != nil {
		return nil, err
	}

	var msgs []broker.Message
	switch strings.ToLower(sub) {
	case "", "active":
		sub = broker.Active.String()
		msgs, err = s.Explorer.PeekPage(ctx, entity, count)
	case "dead_letter":
		msgs, err = s.Explorer.PeekDeadLetterPage(ctx, entity, count)
	case "all":
		msgs, err = s.Explorer.PeekAll(ctx, entity, count)
	default:
		return nil, fmt.Errorf("sub_queue must be active|dead_letter|all")
	}
	if err != nil {
		return nil, err
	}
	return peekResult{Entity: entity.Path(), SubQueue: sub, Items: explorer.ViewsOf(msgs)}, nil
}

type activityResult struct {
	Entries []activity.Entry `json:"entries"`
}

var activityLevelRank = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

func (s *Server) toolActivityTail(args map[string]any) (any, error) {
	if err := validateAllowedKeys(args, activityAllowedKeys, "arguments"); err != nil {
		return nil, err
	}
	if s.Activity == nil {
		return nil, errors.New("activity log is not enabled")
	}
	limit, err := parseIntArg(args, "limit", defaultActivityLimit, 1, maxActivityLimit)
	if err != nil {
		return nil, err
	}
	level, err := parseString(args, "level")
	if err != nil {
		return nil, err
	}
	if level == "" {
		return activityResult{Entries: s.Activity.Entries(limit)}, nil
	}
	minRank, ok := activityLevelRank[strings.ToUpper(level)]
	if !ok {
		return nil, fmt.Errorf("level must be debug|info|warn|error")
	}

	all := s.Activity.Entries(0)
	out := make([]activity.Entry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if activityLevelRank[strings.ToUpper(all[i].Level)] >= minRank {
			out = append(out, all[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return activityResult{Entries: out}, nil
}

type deleteResult struct {
	Entity   string               `json:"entity"`
	SubQueue string               `json:"sub_queue"`
	Deleted  bool                 `json:"deleted"`
	Batches  int                  `json:"batches"`
	Scanned  int                  `json:"scanned"`
	Message  explorer.MessageView `json:"message"`
	Audit    map[string]any       `json:"audit"`
}

func (s *Server) toolMessageDelete(ctx context.Context, args map[string]any) (any, error) {
	if err := validateAllowedKeys(args, deleteAllowedKeys, "arguments"); err != nil {
		return nil, err
	}
	audit, err := parseMutationAuditArgs(args, s.auditPrincipal())
	if err != nil {
		return nil, err
	}
	entity, err := parseEntityArg(args)
	if err != nil {
		return nil, err
	}
	id, err := parseRequiredString(args, "id")
	if err != nil {
		return nil, err
	}
	rawSub, err := parseString(args, "sub_queue")
	if err != nil {
		return nil, err
	}
	q, err := broker.ParseSubQueue(rawSub)
	if err != nil {
		return nil, err
	}

	var res explorer.ScanResult
	if q == broker.DeadLetter {
		res, err = s.Explorer.DeleteDeadLetterMessage(ctx, entity, id)
	} else {
		res, err = s.Explorer.DeleteActiveMessage(ctx, entity, id)
	}
	out := deleteResult{
		Entity:   entity.Path(),
		SubQueue: q.String(),
		Deleted:  res.Found,
		Batches:  res.Batches,
		Scanned:  res.Scanned,
		Audit:    mutationAuditMap(audit, s.auditPrincipal()),
	}
	if err != nil {
		return out, err
	}
	if !res.Found {
		return out, fmt.Errorf("message %s not found in %s/%s after scanning %d messages: %w", id, entity, q, res.Scanned, explorer.ErrMessageNotFound)
	}
	out.Message = explorer.ViewOf(res.Message)
	return out, nil
}

type purgeResult struct {
	Entity string         `json:"entity"`
	Option string         `json:"option"`
	Purged int            `json:"purged"`
	Audit  map[string]any `json:"audit"`
}

func (s *Server) toolMessagesPurge(ctx context.Context, args map[string]any) (any, error) {
	if err := validateAllowedKeys(args, purgeAllowedKeys, "arguments"); err != nil {
		return nil, err
	}
	audit, err := parseMutationAuditArgs(args, s.auditPrincipal())
	if err != nil {
		return nil, err
	}
	entity, err := parseEntityArg(args)
	if err != nil {
		return nil, err
	}
	rawOption, err := parseString(args, "option")
	if err != nil {
		return nil, err
	}
	option, err := explorer.ParsePurgeOption(rawOption)
	if err != nil {
		return nil, err
	}

	purged, err := s.Explorer.PurgeMessages(ctx, entity, option)
	out := purgeResult{
		Entity: entity.Path(),
		Option: option.String(),
		Purged: purged,
		Audit:  mutationAuditMap(audit, s.auditPrincipal()),
	}
	return out, err
}

type resubmitResult struct {
	Entity         string         `json:"entity"`
	ID             string         `json:"id"`
	KeepDeadLetter bool           `json:"keep_dead_letter"`
	PartialFailure bool           `json:"partial_failure,omitempty"`
	Audit          map[string]any `json:"audit"`
}

func (s *Server) toolDeadLetterResubmit(ctx context.Context, args map[string]any) (any, error) {
	if err := validateAllowedKeys(args, resubmitAllowedKeys, "arguments"); err != nil {
		return nil, err
	}
	audit, err := parseMutationAuditArgs(args, s.auditPrincipal())
	if err != nil {
		return nil, err
	}
	entity, err := parseEntityArg(args)
	if err != nil {
		return nil, err
	}
	id, err := parseRequiredString(args, "id")
	if err != nil {
		return nil, err
	}
	keep, err := parseBool(args, "keep_dead_letter")
	if err != nil {
		return nil, err
	}

	err = s.Explorer.ResubmitDeadLetterMessage(ctx, entity, id, explorer.ResubmitOptions{KeepDeadLetter: keep})
	out := resubmitResult{
		Entity:         entity.Path(),
		ID:             id,
		KeepDeadLetter: keep,
		PartialFailure: explorer.IsPartialFailure(err),
		Audit:          mutationAuditMap(audit, s.auditPrincipal()),
	}
	return out, err
}

type sendResult struct {
	Entity string         `json:"entity"`
	Sent   int            `json:"sent"`
	Audit  map[string]any `json:"audit"`
}

func (s *Server) toolMessageSend(ctx context.Context, args map[string]any) (any, error) {
	if err := validateAllowedKeys(args, sendAllowedKeys, "arguments"); err != nil {
		return nil, err
	}
	audit, err := parseMutationAuditArgs(args, s.auditPrincipal())
	if err != nil {
		return nil, err
	}
	entity, err := parseEntityArg(args)
	if err != nil {
		return nil, err
	}
	decodeEscapes, err := parseBool(args, "decode_escapes")
	if err != nil {
		return nil, err
	}
	msgs, err := parseSendMessages(args, decodeEscapes)
	if err != nil {
		return nil, err
	}

	sent, err := s.Explorer.SendMessages(ctx, entity, msgs)
	return sendResult{Entity: entity.Path(), Sent: sent, Audit: mutationAuditMap(audit, s.auditPrincipal())}, err
}

func parseSendMessages(args map[string]any, decodeEscapes bool) ([]explorer.OutgoingMessage, error) {
	raw, ok := args["messages"].([]any)
	if !ok {
		return nil, errors.New("messages must be an array of objects")
	}
	if len(raw) == 0 {
		return nil, errors.New("messages must contain at least one message")
	}
	if len(raw) > maxSendMessages {
		return nil, fmt.Errorf("messages must contain at most %d messages", maxSendMessages)
	}
	out := make([]explorer.OutgoingMessage, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("messages[%d] must be an object", i)
		}
		msg, err := parseSendMessage(obj, decodeEscapes)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func parseSendMessage(obj map[string]any, decodeEscapes bool) (explorer.OutgoingMessage, error) {
	if err := validateAllowedKeys(obj, sendItemAllowedKeys, "message"); err != nil {
		return explorer.OutgoingMessage{}, err
	}
	var msg explorer.OutgoingMessage
	fields := []struct {
		key string
		dst *string
	}{
		{"id", &msg.ID},
		{"content_type", &msg.ContentType},
		{"subject", &msg.Subject},
		{"correlation_id", &msg.CorrelationID},
		{"session_id", &msg.SessionID},
	}
	for _, f := range fields {
		v, err := parseString(obj, f.key)
		if err != nil {
			return explorer.OutgoingMessage{}, err
		}
		*f.dst = v
	}

	// body is not trimmed; whitespace is payload.
	body, _ := obj["body"].(string)
	if _, ok := obj["body"]; ok {
		if _, isString := obj["body"].(string); !isString {
			return explorer.OutgoingMessage{}, errors.New("body must be a string")
		}
	}
	bodyB64, err := parseString(obj, "body_b64")
	if err != nil {
		return explorer.OutgoingMessage{}, err
	}
	switch {
	case body != "" && bodyB64 != "":
		return explorer.OutgoingMessage{}, errors.New("body and body_b64 are mutually exclusive")
	case bodyB64 != "":
		b, err := base64.StdEncoding.DecodeString(bodyB64)
		if err != nil {
			return explorer.OutgoingMessage{}, errors.New("body_b64 must be valid base64")
		}
		msg.Body = b
	case decodeEscapes:
		msg.Body = []byte(explorer.DecodeEscapes(body))
	default:
		msg.Body = []byte(body)
	}

	if raw, ok := obj["properties"]; ok && raw != nil {
		props, ok := raw.(map[string]any)
		if !ok {
			return explorer.OutgoingMessage{}, errors.New("properties must be an object")
		}
		msg.Properties = props
	}
	if msg.Raw, err = parseBool(obj, "raw"); err != nil {
		return explorer.OutgoingMessage{}, err
	}
	return msg, nil
}

func mutationAuditMap(audit mutationAuditArgs, principal string) map[string]any {
	out := map[string]any{"reason": audit.Reason}
	if audit.Actor != "" {
		out["actor"] = audit.Actor
	}
	if audit.RequestID != "" {
		out["request_id"] = audit.RequestID
	}
	if strings.TrimSpace(principal) != "" {
		out["principal"] = strings.TrimSpace(principal)
	}
	return out
}
