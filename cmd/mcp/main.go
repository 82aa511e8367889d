// Holdfast MCP Server - exposes escrow operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/holdfast/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:        envOrDefault("HOLDFAST_API_URL", "http://localhost:8080"),
		Token:         os.Getenv("HOLDFAST_TOKEN"),
		WalletAddress: os.Getenv("HOLDFAST_WALLET"),
	}

	// Without a token the API must be running in development mode, where it
	// trusts the wallet header.
	if cfg.Token == "" && cfg.WalletAddress == "" {
		fmt.Fprintln(os.Stderr, "HOLDFAST_TOKEN or HOLDFAST_WALLET is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
