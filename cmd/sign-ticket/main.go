package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sign-ticket",
	Short: "Wallet-side tooling for hyperdesk order tickets",
	Long: `Generate keys and sign or verify order tickets with the same EIP-712
encoding the desk uses.

Available subcommands:
  keygen    Generate a new secp256k1 key
  sign      Sign a ticket and print the digest, signature and typed data
  verify    Recover the signer of a ticket signature`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
