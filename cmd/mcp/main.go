// Guardrail MCP Server - Exposes change evaluation and reservation
// operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/guardrail/internal/auth"
	"github.com/mbd888/guardrail/internal/mcpserver"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL: envOrDefault("GUARDRAIL_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("GUARDRAIL_TOKEN"),
	}

	if cfg.Token == "" {
		tok, err := mintToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "GUARDRAIL_TOKEN is required: %v\n", err)
			os.Exit(1)
		}
		cfg.Token = tok
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

// mintToken signs an operator token locally when the shared secret and a
// tenant are available.
func mintToken() (string, error) {
	secret := os.Getenv("AUTH_JWT_SECRET")
	tenant := os.Getenv("GUARDRAIL_TENANT")
	if secret == "" || tenant == "" {
		return "", fmt.Errorf("set GUARDRAIL_TOKEN or both AUTH_JWT_SECRET and GUARDRAIL_TENANT")
	}
	v := auth.NewVerifier(secret, envOrDefault("AUTH_JWT_ISSUER", "guardrail"))
	return v.Issue(auth.Principal{
		TenantID: tenant,
		Subject:  "mcp",
		Role:     auth.RoleOperator,
	}, 24*time.Hour)
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
