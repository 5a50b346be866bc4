package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/formsync/internal/crypto"
)

// newSealCommand creates "seal", which encrypts a credential for use as
// access_key or secret_key in the config file.
func newSealCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seal [value]",
		Short: "Encrypt a credential for this machine",
		Long: `Encrypts an object-store credential with a key bound to this machine.
The output can be pasted into the config file or a FORMSYNC_S3_* variable.
With no argument the value is read from the first line of stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value string
			if len(args) == 1 {
				value = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read value: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return fmt.Errorf("value is empty")
			}

			sealed, err := crypto.SealSecret(value, crypto.MachineKey())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
