package main

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/luca-patrignani/p2p-ledger/ledger"
	"github.com/luca-patrignani/p2p-ledger/network"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ledgerd",
		Short:        "Replicated hash-chain ledger node",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newGenesisCmd(), newCertCmd(), newVersionCmd())
	return root
}

func newGenesisCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genesis",
		Short: "Print the genesis block every node starts from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := json.MarshalIndent(ledger.Genesis(), "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}

func newCertCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "cert <host:port>",
		Short: "Generate a self-signed TLS certificate and key for a node address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cert, certPEM, err := network.GenerateSelfSignedCert(args[0])
			if err != nil {
				return err
			}
			der, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
			if err != nil {
				return fmt.Errorf("encoding private key: %w", err)
			}
			keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
			certFile, keyFile := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
			if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
				return err
			}
			if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", certFile, keyFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "out", ".", "directory the PEM files are written to")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
