package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"Forged-Core/internal/config"
	"Forged-Core/internal/source"
	"Forged-Core/internal/transport"
	"Forged-Core/pkg/descriptor"
	"Forged-Core/pkg/integrity"
)

var (
	// Version 在构建时通过 -ldflags 注入。
	Version = "dev"

	cfgFile string
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "forged",
		Short: "Signed extension host",
		Long: `forged loads signed extension descriptors, verifies them against a set of
trusted keys, resolves their dependencies into a load order and dispatches
events to the loaded extensions.

Examples:
  forged keygen                         Generate a signing key pair
  forged sign -k KEY manifest.yaml      Sign every descriptor in a manifest
  forged plan manifests/                Show the load order for a directory
  forged run                            Start the host and the admin API`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $"+config.EnvPath+")")

	root.AddCommand(newKeygenCommand())
	root.AddCommand(newSignCommand())
	root.AddCommand(newVerifyCommand())
	root.AddCommand(newPlanCommand())
	root.AddCommand(newRunCommand())
	return root
}

// loadConfig 优先使用 --config，其次读取环境变量。
func loadConfig() (*config.Config, error) {
	if strings.TrimSpace(cfgFile) != "" {
		return config.Load(cfgFile)
	}
	return config.LoadFromEnv()
}

func newTransport(cfg *config.Config) *transport.Client {
	return transport.New(
		transport.WithUserAgent("forged/"+Version),
		transport.WithMaxRetries(cfg.Remote.MaxRetries),
		transport.WithBaseDelay(time.Duration(cfg.Remote.BaseDelayMillis)*time.Millisecond),
		transport.WithBreaker(int64(cfg.Remote.BreakerThreshold), 0),
	)
}

func trustedKeys(cfg *config.Config) (*integrity.KeySet, error) {
	encoded, err := cfg.TrustedKeys()
	if err != nil {
		return nil, err
	}
	return integrity.ParseKeySet(encoded)
}

// readSpecs 读取命令行给出的清单位置；未给出时使用配置中的 loader.manifests。
func readSpecs(cmd *cobra.Command, cfg *config.Config, client *transport.Client, locations []string) ([]descriptor.Spec, error) {
	if len(locations) == 0 {
		locations = cfg.Loader.Manifests
	}
	sources := make(source.Multi, 0, len(locations))
	for _, loc := range locations {
		sources = append(sources, source.Open(loc, client))
	}
	return sources.Specs(cmd.Context())
}
