package deploy

import (
	"context"
	"errors"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	// ServerName is the MCP implementation name of the deployment server.
	ServerName = "deployment"
	// ServerVersion is the MCP implementation version of the deployment server.
	ServerVersion = "1.0.0"
	// ToolName is the parameterless deploy tool exposed to the agent.
	ToolName = "deploy_to_github"
	// ToolDescription tells the agent when to call the tool.
	ToolDescription = "Initializes Git, commits EVERYTHING, and pushes it to the configured repository. Use this ONLY at the very end."
)

// Deployer runs one deploy and reports its outcome.
type Deployer interface {
	Deploy(ctx context.Context) Result
}

// NewServer builds the MCP server exposing the deploy tool.
func NewServer(deployer Deployer) (*mcp.Server, error) {
	if deployer == nil {
		return nil, errors.New("deployer is required")
	}

	// Calls may arrive concurrently; git runs in one working tree.
	var mu sync.Mutex
	server := mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: ServerVersion}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolName,
		Description: ToolDescription,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
		mu.Lock()
		result := deployer.Deploy(ctx)
		mu.Unlock()
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: result.Text()}},
			IsError: !result.Success,
		}, nil, nil
	})
	return server, nil
}

// Serve runs the deploy tool over stdio until the client disconnects.
func Serve(ctx context.Context, deployer Deployer) error {
	server, err := NewServer(deployer)
	if err != nil {
		return err
	}
	return server.Run(ctx, &mcp.StdioTransport{})
}
