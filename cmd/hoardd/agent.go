package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thrr87/hoard/internal/auth"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent tokens",
}

var (
	registerScopes     string
	registerTrustLevel string
	registerRateLimit  int
)

var agentRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Mint a new agent token and print it once",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentRegister,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agent tokens (never the secrets themselves)",
	RunE:  runAgentList,
}

var agentRemoveCmd = &cobra.Command{
	Use:   "remove <agent-id>",
	Short: "Revoke an agent token",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentRemove,
}

func init() {
	agentRegisterCmd.Flags().StringVar(&registerScopes, "scopes", "data:read,memory:read,memory:write,ingest:read", "Comma-separated scope list")
	agentRegisterCmd.Flags().StringVar(&registerTrustLevel, "trust-level", "standard", "Trust level")
	agentRegisterCmd.Flags().IntVar(&registerRateLimit, "rate-limit-per-hour", 0, "Memory write rate limit per hour (0 = unlimited)")

	agentCmd.AddCommand(agentRegisterCmd, agentListCmd, agentRemoveCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentRegister(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var scopes []string
	for _, s := range strings.Split(registerScopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}

	agentID, token, err := a.auther.Register(ctx, auth.RegisterInput{
		Scopes:           scopes,
		TrustLevel:       registerTrustLevel,
		RateLimitPerHour: registerRateLimit,
		ProposalTTLDays:  a.cfg.Memory.DefaultProposalTTL,
	})
	if err != nil {
		return err
	}

	fmt.Printf("agent_id: %s\n", agentID)
	fmt.Printf("token:    %s\n", token)
	fmt.Println("\nThis token is shown exactly once — store it now.")
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	tokens, err := a.auther.List(ctx)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		fmt.Println("no agents registered")
		return nil
	}
	for _, t := range tokens {
		status := "active"
		if t.RevokedAt != nil {
			status = "revoked"
		}
		fmt.Printf("%-40s trust=%-10s rate_limit=%-6d scopes=%-40s %s\n",
			t.AgentID, t.TrustLevel, t.RateLimitPerHour, strings.Join(t.Scopes, ","), status)
	}
	return nil
}

func runAgentRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.auther.Revoke(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("revoked %s\n", args[0])
	return nil
}
