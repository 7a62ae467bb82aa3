// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/time/rate"
)

// defaultMCPRateLimit bounds how many calls per second the VM issues
// to a single MCP server. A spawned stdio subprocess has no transport
// concept of backpressure of its own; the VM imposes one so a plan
// with a tight loop of CALL_TOOL steps against the same server can't
// saturate it.
const defaultMCPRateLimit = 20.0

// MCPServer configures how to launch a named MCP server process. A
// tool spec's "mcp:<server>:<remote_name>" locator resolves server
// against a name registered here.
type MCPServer struct {
	Command string
	Args    []string
	Env     []string
}

// mcpPool lazily starts and reuses one stdio client per configured
// server name.
type mcpPool struct {
	mu       sync.Mutex
	servers  map[string]MCPServer
	clients  map[string]*mcpclient.Client
	limiters map[string]*rate.Limiter
}

func newMCPPool() *mcpPool {
	return &mcpPool{
		servers:  make(map[string]MCPServer),
		clients:  make(map[string]*mcpclient.Client),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *mcpPool) register(name string, cfg MCPServer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.servers[name] = cfg
	p.limiters[name] = rate.NewLimiter(rate.Limit(defaultMCPRateLimit), 1)
}

func (p *mcpPool) limiter(name string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Limit(defaultMCPRateLimit), 1)
		p.limiters[name] = l
	}
	return l
}

func (p *mcpPool) client(ctx context.Context, name string) (*mcpclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[name]; ok {
		return c, nil
	}
	cfg, ok := p.servers[name]
	if !ok {
		return nil, fmt.Errorf("mcp: server %q not configured", name)
	}
	c, err := mcpclient.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("mcp: create client for %q: %w", name, err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcp: start %q: %w", name, err)
	}
	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "aplvm", Version: "0.1.0"},
		},
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp: initialize %q: %w", name, err)
	}
	p.clients[name] = c
	return c, nil
}

func (p *mcpPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
	p.clients = make(map[string]*mcpclient.Client)
}

// RegisterMCPServer configures the launch command for a named MCP
// server. Call before the first CALL_TOOL instruction dispatches to
// it; the process starts lazily on first use.
func (r *Registry) RegisterMCPServer(name string, cfg MCPServer) {
	r.mcp.register(name, cfg)
}

// CallMCP dispatches a CALL_TOOL instruction targeting an MCP-backed
// spec to its remote server. Inputs are passed as the tool call's
// arguments verbatim; a single text content item is decoded as JSON
// into the output map when possible, else returned under "result".
func (r *Registry) CallMCP(ctx context.Context, spec Spec, in map[string]any) (map[string]any, error) {
	server, tool, ok := spec.MCPTarget()
	if !ok {
		return nil, fmt.Errorf("mcp: %q is not an mcp-backed tool", spec.Name)
	}
	if err := r.mcp.limiter(server).Wait(ctx); err != nil {
		return nil, fmt.Errorf("mcp: rate limit wait for %q: %w", server, err)
	}
	c, err := r.mcp.client(ctx, server)
	if err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{Params: mcp.CallToolParams{Name: tool, Arguments: in}}
	result, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp: call %s:%s: %w", server, tool, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("mcp: %s:%s returned an error result", server, tool)
	}

	out := make(map[string]any)
	for _, item := range result.Content {
		if text, ok := mcp.AsTextContent(item); ok {
			var decoded map[string]any
			if err := json.Unmarshal([]byte(text.Text), &decoded); err == nil {
				for k, v := range decoded {
					out[k] = v
				}
				continue
			}
			out["result"] = text.Text
		}
	}
	return out, nil
}

// Close shuts down every MCP server process this registry started.
func (r *Registry) Close() {
	r.mcp.closeAll()
}
