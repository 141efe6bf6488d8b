// Facilitator MCP Server - exposes facilitator sessions, vaults and settlements as MCP tools for LLMs
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/x402flash/facilitator/internal/mcpserver"
)

// Version is set by ldflags
var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:            envOrDefault("FACILITATOR_URL", "http://localhost:8080"),
		APIKey:            os.Getenv("FACILITATOR_API_KEY"),
		AgentAddress:      os.Getenv("AGENT_ADDRESS"),
		VaultAddress:      os.Getenv("AGENT_VAULT"),
		ProviderAuthority: os.Getenv("PROVIDER_AUTHORITY"),
		DefaultPrice:      envUint("X402_PRICE", 1000),
		MaxPrice:          envUint("X402_MAX_PRICE", 0),
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envUint(key string, defaultValue uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
