package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/jmarinho/zapflow/pkg/zapflow/engine"
)

// newSetupCmd creates the `zapflow setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your initial config.yaml.
Asks for the service name, tenant, model endpoint and WhatsApp settings.
The API key goes to the OS keyring — never in plaintext on disk.

Examples:
  zapflow setup`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	reader := bufio.NewReader(os.Stdin)
	cfg := engine.DefaultConfig()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║            zapflow — Setup Wizard            ║")
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Println()

	// ── Step 1: Service name ──
	fmt.Printf("1. Service name [%s]: ", cfg.Name)
	if name := readLine(reader); name != "" {
		cfg.Name = name
	}

	// ── Step 2: Tenant id ──
	fmt.Println()
	fmt.Println("   The tenant id identifies this business in records and analytics.")
	fmt.Println()
	fmt.Print("2. Tenant id [default]: ")
	tenantID := readLine(reader)
	if tenantID == "" {
		tenantID = "default"
	}
	cfg.WhatsApp.TenantID = tenantID

	// ── Step 3: API endpoint ──
	fmt.Println()
	fmt.Printf("3. API base URL (OpenAI-compatible) [%s]: ", cfg.LLM.BaseURL)
	if url := readLine(reader); url != "" {
		cfg.LLM.BaseURL = url
	}

	// ── Step 4: Model ──
	fmt.Printf("4. Model [%s]: ", cfg.Agent.Model)
	if model := readLine(reader); model != "" {
		cfg.Agent.Model = model
	}

	// ── Step 5: API key → OS keyring ──
	fmt.Println()
	fmt.Println("   The API key is stored in the OS keyring (Secret Service,")
	fmt.Println("   Keychain or Credential Manager). Leave empty to configure it")
	fmt.Println("   later via the ZAPFLOW_LLM_API_KEY environment variable.")
	fmt.Println()
	fmt.Print("5. API key (hidden): ")
	keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err == nil && len(keyBytes) > 0 {
		if err := engine.StoreAPIKey(strings.TrimSpace(string(keyBytes))); err != nil {
			fmt.Printf("   [!] Keyring unavailable (%v). Set ZAPFLOW_LLM_API_KEY instead.\n", err)
		} else {
			fmt.Println("   [ok] API key stored in the OS keyring.")
		}
	}

	// ── Step 6: WhatsApp channel ──
	fmt.Println()
	fmt.Print("6. Enable the WhatsApp channel now? [y/N]: ")
	if ans := strings.ToLower(readLine(reader)); ans == "y" || ans == "yes" || ans == "s" || ans == "sim" {
		cfg.WhatsApp.Enabled = true
		fmt.Println("   On first `zapflow serve` a QR code will be logged for pairing.")
	}

	// ── Write config.yaml ──
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = "config.yaml"
	}
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("\n[!] %s already exists. Overwrite? [y/N]: ", configPath)
		if ans := strings.ToLower(readLine(reader)); ans != "y" && ans != "yes" {
			fmt.Println("Aborted, nothing written.")
			return nil
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", configPath, err)
	}

	fmt.Println()
	fmt.Printf("[ok] Wrote %s. Start the service with: zapflow serve\n", configPath)
	return nil
}

// readLine reads one trimmed line from the wizard input.
func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
