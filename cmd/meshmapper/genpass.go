package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kabili207/meshmapper/pkg/auth"
)

var genpassCmd = &cobra.Command{
	Use:   "genpass [username]",
	Short: "Generate a broker password and its salted hash",
	Long: `Generates a random password for a gateway and prints the salt and hash
to add under broker.users in the configuration file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGenpass,
}

func init() {
	rootCmd.AddCommand(genpassCmd)
	genpassCmd.Flags().Int("length", 16, "Length of the password in bytes (will be hex encoded, so output is 2x this)")
}

func runGenpass(cmd *cobra.Command, args []string) error {
	length, err := cmd.Flags().GetInt("length")
	if err != nil {
		return err
	}
	password, err := auth.RandomHex(length)
	if err != nil {
		return fmt.Errorf("error generating password: %w", err)
	}
	hash, salt, err := auth.GenerateHashAndSalt(password)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Password: %s\n", password)
	fmt.Fprintf(out, "Salt:     %s\n", salt)
	fmt.Fprintf(out, "Hash:     %s\n", hash)
	if len(args) == 1 {
		fmt.Fprintf(out, "\nbroker:\n  users:\n    - username: %s\n      salt: %q\n      hash: %q\n", args[0], salt, hash)
	}
	return nil
}
