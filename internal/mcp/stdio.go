// ABOUTME: stdio transport for MCP servers run as subprocesses.
// ABOUTME: Exchanges newline-delimited JSON-RPC over the child's stdin/stdout.

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/relaykit/relay-gateway/internal/store"
)

type stdioSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	nextID int64
}

func newStdioSession(ctx context.Context, srv *store.MCPServer) (*stdioSession, error) {
	cmd := exec.CommandContext(ctx, srv.Command, srv.Args...)
	cmd.Env = os.Environ()
	for k, v := range srv.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = nil // child stderr is discarded

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", srv.Command, err)
	}

	return &stdioSession{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, 1024*1024),
	}, nil
}

func (s *stdioSession) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.nextID++
	id := s.nextID
	req := jsonrpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := s.write(req); err != nil {
		return nil, err
	}

	type readResult struct {
		raw json.RawMessage
		err error
	}
	ch := make(chan readResult, 1)
	go func() {
		raw, err := s.readResponse(id)
		ch <- readResult{raw, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.raw, res.err
	}
}

func (s *stdioSession) notify(ctx context.Context, method string, params any) error {
	return s.write(jsonrpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *stdioSession) write(req jsonrpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("writing to server: %w", err)
	}
	return nil
}

// readResponse scans stdout lines until it finds the response matching id.
// Server-initiated notifications and log lines are skipped.
func (s *stdioSession) readResponse(id int64) (json.RawMessage, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("reading from server: %w", err)
		}
		var resp jsonrpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.ID == nil || *resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

func (s *stdioSession) close() error {
	s.stdin.Close()

	done := make(chan struct{})
	go func() {
		s.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.cmd.Process.Kill()
		<-done
	}
	return nil
}
