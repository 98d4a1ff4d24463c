package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"

	"aiwriter/internal/config"
	"aiwriter/internal/provider"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your aiwriter setup",
		Long: `Verifies that the configuration, credentials and listen address are
usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("aiwriter doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var passed, failed, warned int

			if _, err := os.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			prov := provider.NewAssistants(provider.AssistantsConfig{APIKey: cfg.OpenAI.APIKey})
			if err := prov.Validate(); err != nil {
				printFail("OpenAI credential", err.Error())
				failed++
			} else {
				printPass("OpenAI credential", "configured")
				passed++
			}

			if cfg.OpenAI.AssistantID != "" {
				printPass("Assistant", "reusing "+cfg.OpenAI.AssistantID)
			} else {
				printPass("Assistant", fmt.Sprintf("created on start (%s)", cfg.OpenAI.Model))
			}
			passed++

			if cfg.Search.TavilyAPIKey == "" {
				printWarn("Web search", "no Tavily key, search tool will report unavailable")
				warned++
			} else {
				printPass("Web search", "configured")
				passed++
			}

			addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
			if err := checkListen(addr); err != nil {
				printWarn("HTTP address", fmt.Sprintf("%s may be in use: %v", addr, err))
				warned++
			} else {
				printPass("HTTP address", addr+" available")
				passed++
			}

			printPass("Gateway", cfg.Gateway.Kind)
			passed++

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running aiwriter.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			fmt.Printf("\naiwriter is ready to run.\n")
			return nil
		},
	}
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
