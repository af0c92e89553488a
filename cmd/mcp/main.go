// AetherLock MCP server - exposes escrow verification tools to an AI agent
package main

import (
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/aetherlock/internal/mcpserver"
)

func main() {
	keyText := os.Getenv("AETHERLOCK_AGENT_KEY")
	if keyText == "" {
		fmt.Fprintln(os.Stderr, "AETHERLOCK_AGENT_KEY (base58 private key) is required")
		os.Exit(1)
	}
	key, err := solana.PrivateKeyFromBase58(keyText)
	if err != nil {
		fmt.Fprintf(os.Stderr, "AETHERLOCK_AGENT_KEY: %v\n", err)
		os.Exit(1)
	}

	cfg := mcpserver.Config{
		APIURL:   envOrDefault("AETHERLOCK_API_URL", "http://localhost:8080"),
		AgentKey: key,
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
