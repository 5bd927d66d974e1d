package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"feedback.evalgo.org/config"
	"feedback.evalgo.org/db/bolt"
	"feedback.evalgo.org/escalation"
)

// errNoProfileStore is returned by profile commands when storage.bolt_path
// is not configured.
var errNoProfileStore = errors.New("storage.bolt_path is not set")

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "inspect and manage escalation configuration",
	}
	cmd.AddCommand(
		newConfigExportCmd(opts),
		newConfigImportCmd(opts),
		newConfigResolveCmd(opts),
		newConfigProfilesCmd(opts),
	)
	return cmd
}

func newConfigExportCmd(opts *options) *cobra.Command {
	var output, profile, format string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "print the effective escalation layers",
		Long: `Print the escalation layers the daemon would start with: the config file
layers, replaced by the "current" profile when one is stored. --profile
selects another stored profile instead.

With -o the snapshot is written to a file; .json files are JSON, anything
else YAML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.escalationStore(profile)
			if err != nil {
				return err
			}
			snap := store.Export()

			if output != "" {
				if err := escalation.WriteSnapshotFile(output, snap); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)
				return nil
			}

			data, err := escalation.MarshalSnapshot(snap, format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().StringVar(&profile, "profile", "", "stored profile to export")
	cmd.Flags().StringVar(&format, "format", "yaml", "stdout format (yaml, json)")
	return cmd
}

func newConfigImportCmd(opts *options) *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "validate a snapshot file and store it as a profile",
		Long: `Validate a snapshot file and store it as a profile. The default profile
is "current", which the daemon loads on its next start.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := escalation.ReadSnapshotFile(args[0])
			if err != nil {
				return err
			}
			if err := escalation.NewStore(escalation.StoreConfig{}).Import(snap); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			profiles, err := opts.openProfiles()
			if err != nil {
				return err
			}
			defer profiles.Close()

			if err := profiles.SaveSnapshot(profile, snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s into profile %q\n", args[0], profile)
			return nil
		},
	}

	cmd.Flags().StringVar(&profile, "profile", bolt.CurrentProfile, "profile name")
	return cmd
}

func newConfigResolveCmd(opts *options) *cobra.Command {
	var scope escalation.Scope
	var profile string

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "print the thresholds an operation would be created with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.escalationStore(profile)
			if err != nil {
				return err
			}
			resolved, err := store.CheckResolved(scope)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(resolved)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVar(&scope.OperationType, "type", "", "operation type")
	cmd.Flags().StringVar(&scope.ComponentID, "component", "", "component id")
	cmd.Flags().StringVar(&profile, "profile", "", "stored profile to resolve against")
	return cmd
}

func newConfigProfilesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "list stored profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := opts.openProfiles()
			if err != nil {
				return err
			}
			defer profiles.Close()

			list, err := profiles.ListProfiles()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSAVED")
			for _, p := range list {
				fmt.Fprintf(w, "%s\t%s\n", p.Name, p.SavedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rm NAME",
		Short: "delete a stored profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := opts.openProfiles()
			if err != nil {
				return err
			}
			defer profiles.Close()

			deleted, err := profiles.DeleteProfile(args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("profile %q: %w", args[0], bolt.ErrNotFound)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted profile %q\n", args[0])
			return nil
		},
	})
	return cmd
}

func (o *options) openProfiles() (*bolt.ConfigStore, error) {
	if o.cfg.Storage.BoltPath == "" {
		return nil, errNoProfileStore
	}
	return bolt.OpenConfigStore(o.cfg.Storage.BoltPath)
}

// escalationStore rebuilds the layers the daemon would use. An empty
// profile means the config file plus "current" if stored; a named profile
// must exist.
func (o *options) escalationStore(profile string) (*escalation.Store, error) {
	store := escalation.NewStore(escalation.StoreConfig{})
	if err := config.ApplyEscalation(o.cfg, store); err != nil {
		return nil, err
	}

	if profile == "" && o.cfg.Storage.BoltPath == "" {
		return store, nil
	}

	profiles, err := o.openProfiles()
	if err != nil {
		return nil, err
	}
	defer profiles.Close()

	name := profile
	if name == "" {
		name = bolt.CurrentProfile
	}
	restored, err := profiles.Restore(name, store)
	if err != nil {
		return nil, err
	}
	if !restored && profile != "" {
		return nil, fmt.Errorf("profile %q: %w", profile, bolt.ErrNotFound)
	}
	return store, nil
}
