package cmds

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/turnkit/pkg/profiles"
	"github.com/go-go-golems/turnkit/pkg/runtime"
)

func NewProfilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Inspect the configured profile registries",
	}
	cmd.AddCommand(newProfilesListCommand(), newProfilesResolveCommand())
	return cmd
}

type profileListing struct {
	Registry profiles.RegistrySummary `yaml:"registry"`
	Label    string                   `yaml:"label"`
	Profiles []profileListingEntry    `yaml:"profiles"`
}

type profileListingEntry struct {
	Slug        profiles.ProfileSlug `yaml:"slug"`
	DisplayName string               `yaml:"display_name,omitempty"`
	Engine      string               `yaml:"engine,omitempty"`
	Version     uint64               `yaml:"version"`
}

func newProfilesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registries, topmost first, with their profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := newEnvironment(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close() }()
			stack := env.Runtime.RegistryStack()
			if !env.HasStack {
				return profiles.ErrNoRegistryConfigured
			}

			var out []profileListing
			for _, entry := range stack.Entries() {
				summaries, err := entry.Registry.ListRegistries(ctx)
				if err != nil {
					return err
				}
				for _, summary := range summaries {
					ps, err := entry.Registry.ListProfiles(ctx, summary.Slug)
					if err != nil {
						return err
					}
					listing := profileListing{Registry: summary, Label: entry.Label}
					for _, p := range ps {
						listing.Profiles = append(listing.Profiles, profileListingEntry{
							Slug:        p.Slug,
							DisplayName: p.DisplayName,
							Engine:      p.Runtime.EngineName,
							Version:     p.Metadata.Version,
						})
					}
					out = append(out, listing)
				}
			}
			return writeYAML(cmd, out)
		},
	}
}

func newProfilesResolveCommand() *cobra.Command {
	var registry, profile, runtimeKey string
	var overrides []string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a profile and print its effective runtime and fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			parsed, err := parseOverrides(overrides)
			if err != nil {
				return err
			}
			env, err := newEnvironment(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close() }()

			resolved, err := env.Runtime.ResolveProfile(ctx, runtime.ProfileRequest{
				RegistrySlug:     registry,
				ProfileSlug:      profile,
				RuntimeKey:       runtimeKey,
				RequestOverrides: parsed,
			})
			if err != nil {
				var pv *profiles.PolicyViolationError
				if errors.As(err, &pv) {
					log.Debug().Str("profile", pv.ProfileSlug.String()).Str("key", string(pv.Key)).Msg("override denied")
				}
				return err
			}
			return writeYAML(cmd, resolved)
		},
	}
	cmd.Flags().StringVar(&registry, "registry", "", "Registry slug")
	cmd.Flags().StringVar(&profile, "profile", "", "Profile slug")
	cmd.Flags().StringVar(&runtimeKey, "runtime-key", "", "Runtime key fallback")
	cmd.Flags().StringArrayVar(&overrides, "override", nil, "Request override key=value, value parsed as YAML (repeatable)")
	return cmd
}

func writeYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
