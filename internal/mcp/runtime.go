package mcp

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nuetzliches/busdeck/internal/procctl"
)

var (
	instanceStatusAllowedKeys = keySet("pid_file")
	instanceReloadAllowedKeys = keySet("pid_file", "reason", "actor", "request_id")
)

func runtimeToolDescriptors() []toolDescriptor {
	pidFile := map[string]any{
		"type":        "string",
		"description": "Must match the configured --pid-file path",
	}
	return []toolDescriptor{
		{
			Name:        "instance_status",
			Description: "Report whether the busdeck serve process named by the pid file is running",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"pid_file": pidFile},
				"additionalProperties": false,
			},
		},
		{
			Name:        "instance_reload",
			Description: "Signal the running serve process to reload its configuration",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           auditProperties(map[string]any{"pid_file": pidFile}),
				"required":             []string{"reason"},
				"additionalProperties": false,
			},
		},
	}
}

func (s *Server) toolInstanceStatus(args map[string]any) (any, error) {
	if err := validateAllowedKeys(args, instanceStatusAllowedKeys, "arguments"); err != nil {
		return nil, err
	}
	pidFile, err := s.resolvePIDFilePath(args)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"pid_file": pidFile,
		"running":  false,
		"pid":      0,
	}
	if pid, running := procctl.ReadRunning(pidFile); running {
		out["running"] = true
		out["pid"] = pid
	}
	return out, nil
}

func (s *Server) toolInstanceReload(args map[string]any) (any, error) {
	if err := validateAllowedKeys(args, instanceReloadAllowedKeys, "arguments"); err != nil {
		return nil, err
	}
	audit, err := parseMutationAuditArgs(args, s.auditPrincipal())
	if err != nil {
		return nil, err
	}
	pidFile, err := s.resolvePIDFilePath(args)
	if err != nil {
		return nil, err
	}

	pid, err := procctl.Reload(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("pid file %q does not exist", pidFile)
		}
		return nil, err
	}
	return map[string]any{
		"signaled": true,
		"pid":      pid,
		"pid_file": pidFile,
		"audit":    mutationAuditMap(audit, s.auditPrincipal()),
	}, nil
}

func (s *Server) resolvePIDFilePath(args map[string]any) (string, error) {
	p := strings.TrimSpace(s.PIDFilePath)
	if p == "" {
		return "", errors.New("pid file path is not configured")
	}
	if raw, ok := args["pid_file"]; ok {
		argPath, ok := raw.(string)
		if !ok {
			return "", errors.New("pid_file must be a string")
		}
		argPath = strings.TrimSpace(argPath)
		if argPath != "" && argPath != p {
			return "", fmt.Errorf("pid_file %q is not allowed", argPath)
		}
	}
	return p, nil
}
