package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"Forged-Core/pkg/host"
	"Forged-Core/pkg/logger"
)

// prepare 在不加载扩展的前提下完成校验与依赖解析。
func prepare(cmd *cobra.Command, args []string) (host.Batch, error) {
	cfg, err := loadConfig()
	if err != nil {
		return host.Batch{}, err
	}
	keys, err := trustedKeys(cfg)
	if err != nil {
		return host.Batch{}, err
	}
	specs, err := readSpecs(cmd, cfg, newTransport(cfg), args)
	if err != nil {
		return host.Batch{}, err
	}
	h := host.New(host.WithTrustedKeys(keys), host.WithLogger(logger.Discard()))
	return h.Prepare(cmd.Context(), specs)
}

func newVerifyCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "verify [location...]",
		Short: "Check descriptor signatures against the trusted keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := prepare(cmd, args)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(batch.Entries)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tTRUSTED\tKEY\tREASON")
			untrusted := 0
			for _, e := range batch.Entries {
				if !e.Trusted {
					untrusted++
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", e.Name, e.Version, e.Trusted, e.KeyID, verifyReason(e))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if untrusted > 0 {
				return fmt.Errorf("%d 个描述符未通过校验", untrusted)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func verifyReason(e host.Entry) string {
	if e.Stage == host.StageVerify {
		return e.Reason
	}
	return ""
}

func newPlanCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan [location...]",
		Short: "Print the load order for trusted descriptors",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := prepare(cmd, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(batch)
			}
			for i, name := range batch.Planned() {
				fmt.Fprintf(out, "%3d  %s\n", i+1, name)
			}
			rejected := batch.Rejected()
			if len(rejected) == 0 {
				return nil
			}
			fmt.Fprintln(out, "\nrejected:")
			for _, e := range rejected {
				fmt.Fprintf(out, "  %s@%s [%s] %s: %s\n", e.Name, e.Version, e.Stage, e.Code, strings.TrimSpace(e.Reason))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the batch as JSON")
	return cmd
}
