package mcp

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/busdeck/internal/activity"
	"github.com/nuetzliches/busdeck/internal/explorer"
)

const (
	protocolVersion         = "2024-11-05"
	maxAuditReasonLength    = 512
	maxAuditActorLength     = 256
	maxAuditRequestIDLength = 256
)

type Role string

const (
	RoleRead    Role = "read"
	RoleOperate Role = "operate"
)

func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(RoleRead):
		return RoleRead, nil
	case string(RoleOperate):
		return RoleOperate, nil
	default:
		return "", fmt.Errorf("invalid MCP role %q (supported: read, operate)", strings.TrimSpace(raw))
	}
}

// Server speaks JSON-RPC 2.0 over Content-Length framed stdio and exposes
// the explorer operations as MCP tools.
type Server struct {
	Explorer *explorer.Service
	Activity *activity.Log
	In       io.Reader
	Out      io.Writer

	MutationsEnabled      bool
	RuntimeControlEnabled bool
	PIDFilePath           string
	Role                  Role
	Principal             string
	AuditWriter           io.Writer
	Version               string
}

type Option func(*Server)

func WithMutationsEnabled(enabled bool) Option {
	return func(s *Server) {
		s.MutationsEnabled = enabled
	}
}

func WithRuntimeControlEnabled(enabled bool) Option {
	return func(s *Server) {
		s.RuntimeControlEnabled = enabled
	}
}

func WithPIDFile(path string) Option {
	return func(s *Server) {
		s.PIDFilePath = strings.TrimSpace(path)
	}
}

func WithRole(role Role) Option {
	return func(s *Server) {
		if parsed, err := ParseRole(string(role)); err == nil {
			s.Role = parsed
			return
		}
		s.Role = RoleRead
	}
}

func WithPrincipal(principal string) Option {
	return func(s *Server) {
		s.Principal = strings.TrimSpace(principal)
	}
}

func WithAuditWriter(w io.Writer) Option {
	return func(s *Server) {
		s.AuditWriter = w
	}
}

func WithVersion(version string) Option {
	return func(s *Server) {
		s.Version = strings.TrimSpace(version)
	}
}

func NewServer(in io.Reader, out io.Writer, svc *explorer.Service, log *activity.Log, opts ...Option) *Server {
	s := &Server{
		Explorer:    svc,
		Activity:    log,
		In:          in,
		Out:         out,
		Role:        RoleRead,
		AuditWriter: io.Discard,
		Version:     "0.0.0-dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("nil mcp server")
	}
	if s.In == nil {
		return errors.New("nil input reader")
	}
	if s.Out == nil {
		return errors.New("nil output writer")
	}
	if s.Explorer == nil {
		return errors.New("nil explorer service")
	}

	r := bufio.NewReader(s.In)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			_ = writeFrame(s.Out, rpcResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: -32700, Message: "parse error"},
			})
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = writeFrame(s.Out, rpcResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: -32700, Message: "parse error"},
			})
			continue
		}

		resp := s.handleRequest(ctx, req)
		if resp == nil {
			continue
		}
		if err := writeFrame(s.Out, resp); err != nil {
			return err
		}
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsListResult struct {
	Tools []toolDescriptor `json:"tools"`
}

type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type toolsCallResult struct {
	Content           []toolContent `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError,omitempty"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *Server) handleRequest(ctx context.Context, req rpcRequest) *rpcResponse {
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, -32600, "invalid request")
	}

	switch req.Method {
	case "initialize":
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: initializeResult{
				ProtocolVersion: protocolVersion,
				Capabilities: map[string]any{
					"tools": map[string]any{},
				},
				ServerInfo: serverInfo{
					Name:    "busdeck",
					Version: s.Version,
				},
			},
		}
	case "notifications/initialized":
		return nil
	case "ping":
		if req.ID == nil {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}
	case "tools/list":
		if req.ID == nil {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: toolsListResult{Tools: s.toolDescriptors()}}
	case "tools/call":
		if req.ID == nil {
			return nil
		}
		var params toolsCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return s.errorResponse(req.ID, -32602, "invalid params")
		}
		if strings.TrimSpace(params.Name) == "" {
			return s.errorResponse(req.ID, -32602, "invalid params: missing tool name")
		}
		if params.Arguments == nil {
			params.Arguments = map[string]any{}
		}
		return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: s.callTool(ctx, params.Name, params.Arguments)}
	default:
		if req.ID == nil {
			return nil
		}
		return s.errorResponse(req.ID, -32601, "method not found")
	}
}

func (s *Server) errorResponse(id any, code int, msg string) *rpcResponse {
	return &rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg},
	}
}

func (s *Server) effectiveRole() Role {
	if s == nil {
		return RoleRead
	}
	role, err := ParseRole(string(s.Role))
	if err != nil {
		return RoleRead
	}
	return role
}

func roleRank(role Role) int {
	if role == RoleOperate {
		return 2
	}
	return 1
}

func (s *Server) roleAllows(required Role) bool {
	return roleRank(s.effectiveRole()) >= roleRank(required)
}

func requiredRoleForTool(name string) (Role, bool) {
	switch name {
	case "counts", "messages_page", "messages_peek", "activity_tail":
		return RoleRead, true
	case "message_delete", "messages_purge", "dead_letter_resubmit", "message_send",
		"instance_status", "instance_reload":
		return RoleOperate, true
	default:
		return "", false
	}
}

func toolRequiresMutationsFlag(name string) bool {
	switch name {
	case "message_delete", "messages_purge", "dead_letter_resubmit", "message_send":
		return true
	default:
		return false
	}
}

func toolRequiresRuntimeControlFlag(name string) bool {
	switch name {
	case "instance_status", "instance_reload":
		return true
	default:
		return false
	}
}

func toolIsMutating(name string) bool {
	switch name {
	case "message_delete", "messages_purge", "dead_letter_resubmit", "message_send", "instance_reload":
		return true
	default:
		return false
	}
}

func (s *Server) auditPrincipal() string {
	return strings.TrimSpace(s.Principal)
}

func (s *Server) toolAccessError(name string) error {
	requiredRole, ok := requiredRoleForTool(name)
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	if toolRequiresMutationsFlag(name) && !s.MutationsEnabled {
		return fmt.Errorf("tool %q is disabled (start server with --enable-mutations)", name)
	}
	if toolRequiresRuntimeControlFlag(name) && !s.RuntimeControlEnabled {
		return fmt.Errorf("tool %q is disabled (start server with --enable-runtime-control)", name)
	}
	if !s.roleAllows(requiredRole) {
		return fmt.Errorf("tool %q is not permitted for role %q (requires role %q)", name, s.effectiveRole(), requiredRole)
	}
	if toolIsMutating(name) && s.auditPrincipal() == "" {
		return fmt.Errorf("tool %q requires configured MCP principal (--principal)", name)
	}
	return nil
}

func (s *Server) callTool(ctx context.Context, name string, args map[string]any) toolsCallResult {
	started := time.Now()
	if accessErr := s.toolAccessError(name); accessErr != nil {
		s.emitMutationAuditEvent(name, args, started, "denied", accessErr, nil)
		return toolErrorf("%v", accessErr)
	}

	var (
		out any
		err error
	)
	switch name {
	case "counts":
		out, err = s.toolCounts(ctx, args)
	case "messages_page":
		out, err = s.toolMessagesPage(ctx, args)
	case "messages_peek":
		out, err = s.toolMessagesPeek(ctx, args)
	case "activity_tail":
		out, err = s.toolActivityTail(args)
	case "message_delete":
		out, err = s.toolMessageDelete(ctx, args)
	case "messages_purge":
		out, err = s.toolMessagesPurge(ctx, args)
	case "dead_letter_resubmit":
		out, err = s.toolDeadLetterResubmit(ctx, args)
	case "message_send":
		out, err = s.toolMessageSend(ctx, args)
	case "instance_status":
		out, err = s.toolInstanceStatus(args)
	case "instance_reload":
		out, err = s.toolInstanceReload(args)
	default:
		return toolErrorf("unknown tool %q", name)
	}

	if err != nil {
		s.emitMutationAuditEvent(name, args, started, "error", err, mutationAuditMetadata(out))
		return toolErrorf("%v", err)
	}
	s.emitMutationAuditEvent(name, args, started, "success", nil, mutationAuditMetadata(out))
	return toolSuccess(out)
}

// mutationAuditMetadata lifts the affected-count fields of a tool result
// into the audit record.
func mutationAuditMetadata(out any) map[string]any {
	switch v := out.(type) {
	case deleteResult:
		return map[string]any{"entity": v.Entity, "deleted": v.Deleted, "scanned": v.Scanned}
	case purgeResult:
		return map[string]any{"entity": v.Entity, "purged": v.Purged, "option": v.Option}
	case sendResult:
		return map[string]any{"entity": v.Entity, "sent": v.Sent}
	case resubmitResult:
		return map[string]any{"entity": v.Entity, "id": v.ID, "keep_dead_letter": v.KeepDeadLetter}
	default:
		return nil
	}
}

func (s *Server) emitMutationAuditEvent(name string, args map[string]any, started time.Time, result string, callErr error, meta map[string]any) {
	if !toolIsMutating(name) {
		return
	}
	if s == nil || s.AuditWriter == nil {
		return
	}

	event := map[string]any{
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		"principal":   s.auditPrincipal(),
		"role":        s.effectiveRole(),
		"tool":        name,
		"input_hash":  toolInputHash(args),
		"result":      result,
		"duration_ms": time.Since(started).Milliseconds(),
	}
	if reason, ok := stringFromAny(args["reason"]); ok && reason != "" {
		event["reason"] = reason
	}
	if callErr != nil {
		event["error"] = callErr.Error()
	}
	if len(meta) > 0 {
		event["metadata"] = meta
	}
	_ = json.NewEncoder(s.AuditWriter).Encode(event)
}

type mutationAuditArgs struct {
	Reason    string
	Actor     string
	RequestID string
}

func parseMutationAuditArgs(args map[string]any, principal string) (mutationAuditArgs, error) {
	reason, err := parseRequiredString(args, "reason")
	if err != nil {
		return mutationAuditArgs{}, err
	}
	actor, err := parseString(args, "actor")
	if err != nil {
		return mutationAuditArgs{}, err
	}
	requestID, err := parseString(args, "request_id")
	if err != nil {
		return mutationAuditArgs{}, err
	}
	actor, err = bindAuditActorToPrincipal(actor, principal)
	if err != nil {
		return mutationAuditArgs{}, err
	}
	if err := validateMutationAuditFields(reason, actor, requestID); err != nil {
		return mutationAuditArgs{}, err
	}
	return mutationAuditArgs{Reason: reason, Actor: actor, RequestID: requestID}, nil
}

func bindAuditActorToPrincipal(actor, principal string) (string, error) {
	actor = strings.TrimSpace(actor)
	principal = strings.TrimSpace(principal)
	if actor == "" {
		actor = principal
	}
	if actor != "" && principal != "" && actor != principal {
		return "", fmt.Errorf("actor %q must match configured MCP principal %q", actor, principal)
	}
	return actor, nil
}

func validateMutationAuditFields(reason, actor, requestID string) error {
	if len(reason) > maxAuditReasonLength {
		return fmt.Errorf("reason must be at most %d chars", maxAuditReasonLength)
	}
	if len(actor) > maxAuditActorLength {
		return fmt.Errorf("actor must be at most %d chars", maxAuditActorLength)
	}
	if len(requestID) > maxAuditRequestIDLength {
		return fmt.Errorf("request_id must be at most %d chars", maxAuditRequestIDLength)
	}
	return nil
}

func stringFromAny(v any) (string, bool) {
	x, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(x), true
}

func toolInputHash(args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("{}")
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum)
}

func toolSuccess(out any) toolsCallResult {
	return toolsCallResult{
		Content:           []toolContent{{Type: "text", Text: formatToolText(out)}},
		StructuredContent: out,
	}
}

func toolErrorf(format string, args ...any) toolsCallResult {
	return toolsCallResult{
		Content: []toolContent{{Type: "text", Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func formatToolText(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

func keySet(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		out[key] = struct{}{}
	}
	return out
}

func validateAllowedKeys(args map[string]any, allowed map[string]struct{}, scope string) error {
	if len(args) == 0 || len(allowed) == 0 {
		return nil
	}
	unknown := make([]string, 0)
	for key := range args {
		if _, ok := allowed[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	if len(unknown) == 1 {
		return fmt.Errorf("%s contains unknown key %q", scope, unknown[0])
	}
	return fmt.Errorf("%s contains unknown keys: %s", scope, strings.Join(unknown, ", "))
}

func parseString(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", nil
	}
	v, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return strings.TrimSpace(v), nil
}

func parseRequiredString(args map[string]any, key string) (string, error) {
	v, err := parseString(args, key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func parseBool(args map[string]any, key string) (bool, error) {
	raw, ok := args[key]
	if !ok {
		return false, nil
	}
	v, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return v, nil
}

func parseIntArg(args map[string]any, key string, defaultValue, minValue, maxValue int) (int, error) {
	raw, ok := args[key]
	if !ok {
		return defaultValue, nil
	}
	var n int
	switch v := raw.(type) {
	case float64:
		n = int(v)
		if float64(n) != v {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
	case int:
		n = v
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	if n < minValue || n > maxValue {
		return 0, fmt.Errorf("%s must be between %d and %d", key, minValue, maxValue)
	}
	return n, nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	contentLength := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil || n < 0 {
				return nil, errors.New("invalid content length")
			}
			contentLength = n
		}
	}
	if contentLength < 0 {
		return nil, errors.New("missing content length")
	}
	payload := make([]byte, contentLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

func writeFrame(w io.Writer, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}
