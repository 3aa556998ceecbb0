// Package commands implementa os comandos CLI do zapflow usando cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd cria o comando raiz do CLI com todos os subcomandos registrados.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "zapflow",
		Short: "zapflow - CRM conversacional com IA para WhatsApp",
		Long: `zapflow é um motor de atendimento conversacional para WhatsApp:
orquestra o modelo com ferramentas de negócio (multimídia, registros,
qualificação de leads, follow-ups) e coordena a colaboração entre
atendentes humanos e IA.

Exemplos:
  zapflow setup
  zapflow serve
  zapflow serve --config ./config.yaml`,
		Version: version,
	}

	// Registra subcomandos.
	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
	)

	// Flags globais.
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "caminho para o arquivo de configuração")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "habilita logs detalhados")

	return rootCmd
}
