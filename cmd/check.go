package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print the backend layout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("namespace: %q  muted: %v\n", cfg.Namespace, cfg.Muted)
		for _, b := range cfg.Backends {
			renewal := "renewal off"
			if b.RenewInterval > 0 {
				renewal = fmt.Sprintf("renew every %s", b.RenewInterval)
			}
			token := "no token"
			if b.TokenEnv != "" {
				token = "token from $" + b.TokenEnv
				if b.Token() == "" {
					token += " (unset)"
				}
			}
			fmt.Printf("  %-16s %-7s %s  %s, %s\n", b.ID, b.Kind, b.Address, renewal, token)
		}
		return nil
	},
}
