package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"Forged-Core/pkg/descriptor"
	"Forged-Core/pkg/integrity"
)

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 signing key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, err := integrity.GenerateKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "private: %s\n", integrity.EncodePrivateKey(priv))
			fmt.Fprintf(out, "public:  %s\n", integrity.EncodePublicKey(&priv.PublicKey))
			fmt.Fprintf(out, "key id:  %s\n", integrity.KeyID(&priv.PublicKey))
			return nil
		},
	}
}

func newSignCommand() *cobra.Command {
	var (
		keyHex  string
		keyFile string
		output  string
	)
	cmd := &cobra.Command{
		Use:   "sign <manifest>",
		Short: "Sign every descriptor in a manifest file",
		Long: `Sign reads a YAML manifest, signs each descriptor with the given private key
and writes the signed bundle to --output (stdout by default).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := keyHex
			if keyFile != "" {
				content, err := os.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("读取私钥失败: %w", err)
				}
				raw = strings.TrimSpace(string(content))
			}
			if raw == "" {
				return fmt.Errorf("必须通过 --key 或 --key-file 提供私钥")
			}
			priv, err := integrity.DecodePrivateKey(raw)
			if err != nil {
				return err
			}

			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("读取清单失败: %w", err)
			}
			specs, err := descriptor.DecodeManifest(content)
			if err != nil {
				return err
			}
			signed := make([]descriptor.Spec, 0, len(specs))
			for _, spec := range specs {
				d, err := integrity.Sign(descriptor.New(spec), priv)
				if err != nil {
					return fmt.Errorf("签名 %s 失败: %w", spec.Name, err)
				}
				signed = append(signed, d.Spec())
			}
			bundle, err := descriptor.EncodeManifest(signed)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(bundle)
				return err
			}
			return os.WriteFile(output, bundle, 0o644)
		},
	}
	cmd.Flags().StringVarP(&keyHex, "key", "k", "", "hex encoded private key")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "file holding the hex encoded private key")
	cmd.Flags().StringVarP(&output, "output", "o", "", "where to write the signed manifest")
	return cmd
}
