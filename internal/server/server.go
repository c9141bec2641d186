// Package server speaks MCP over stdio: line-delimited JSON-RPC 2.0
// requests on stdin, responses on stdout. Tool failures never become
// protocol errors; they come back as error-flagged text content so the
// calling agent can read them.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"ferrotwin/internal/logging"
	"ferrotwin/internal/tools"
)

// Info identifies the server in the initialize handshake.
type Info struct {
	Name    string
	Version string
}

// Server dispatches MCP requests to the tool registry.
type Server struct {
	info     Info
	registry *tools.Registry

	in  io.Reader
	out io.Writer
	wmu sync.Mutex // guards writes to out
}

// New builds a server reading from in and writing to out. Production use
// passes os.Stdin and os.Stdout; tests pass pipes.
func New(info Info, registry *tools.Registry, in io.Reader, out io.Writer) *Server {
	return &Server{info: info, registry: registry, in: in, out: out}
}

// Serve reads requests line by line until EOF or context cancellation.
// Large scans make large tool results, so the scanner buffer is generous.
func (s *Server) Serve(ctx context.Context) error {
	logging.Server("MCP server %s %s listening (%d tools)", s.info.Name, s.info.Version, s.registry.Count())

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("stdin read: %w", err)
					}
				default:
				}
				logging.Server("stdin closed, shutting down")
				return nil
			}
			if len(line) == 0 {
				continue
			}
			if resp := s.handle(ctx, line); resp != nil {
				if err := s.write(resp); err != nil {
					return err
				}
			}
		}
	}
}

// handle processes one request line. A nil return means no response is
// due (notifications).
func (s *Server) handle(ctx context.Context, line []byte) *rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		logging.ServerWarn("parse error: %v", err)
		return errResponse(nil, codeParseError, "parse error")
	}

	logging.ServerDebug("request: method=%s", req.Method)

	switch req.Method {
	case "initialize":
		return okResponse(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
			"serverInfo": map[string]any{
				"name":    s.info.Name,
				"version": s.info.Version,
			},
		})

	case "notifications/initialized", "initialized":
		// Notification, no response.
		return nil

	case "ping":
		return okResponse(req.ID, map[string]any{})

	case "tools/list":
		return okResponse(req.ID, map[string]any{"tools": s.listTools()})

	case "tools/call":
		return s.callTool(ctx, req)

	default:
		if req.ID == nil {
			// Unknown notification; ignore.
			logging.ServerDebug("ignoring notification %s", req.Method)
			return nil
		}
		return errResponse(req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) listTools() []toolInfo {
	all := s.registry.All()
	infos := make([]toolInfo, 0, len(all))
	for _, t := range all {
		props := map[string]any{}
		for name, p := range t.Schema.Properties {
			props[name] = p
		}
		required := t.Schema.Required
		if required == nil {
			required = []string{}
		}
		infos = append(infos, toolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		})
	}
	return infos
}

func (s *Server) callTool(ctx context.Context, req rpcRequest) *rpcResponse {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, codeInvalidParams, "invalid tools/call params")
	}
	if params.Name == "" {
		return errResponse(req.ID, codeInvalidParams, "tool name required")
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	result, err := s.registry.Execute(ctx, params.Name, params.Arguments)
	if err != nil {
		// Tool and validation failures are results, not protocol errors;
		// only a missing tool is a caller mistake worth an error result too.
		text, _ := json.Marshal(map[string]any{"error": err.Error()})
		logging.ServerWarn("tool %s failed: %v", params.Name, err)
		return okResponse(req.ID, toolsCallResult{
			Content: []textContent{{Type: "text", Text: string(text)}},
			IsError: true,
		})
	}

	return okResponse(req.ID, toolsCallResult{
		Content: []textContent{{Type: "text", Text: result.Result}},
	})
}

func (s *Server) write(resp *rpcResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		logging.ServerError("response marshal: %v", err)
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("stdout write: %w", err)
	}
	return nil
}
