package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/osgi/manifest"
)

// NewManifestCommand groups manifest tooling.
func NewManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect bundle manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newManifestValidateCommand())
	return cmd
}

func newManifestValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest|library>...",
		Short: "Validate manifest files or the sidecar manifests of libraries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				m, err := loadManifest(path)
				if err == nil {
					err = m.Validate()
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s\n", path, m.SymbolicName(), m.Version())
				keys := make([]string, 0, len(m))
				for k := range m {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s = %v\n", k, m[k])
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d manifests are invalid", failed, len(args))
			}
			return nil
		},
	}
}

// loadManifest reads path as a manifest, or as a library with a sidecar
// manifest when its extension is not a manifest format.
func loadManifest(path string) (manifest.Manifest, error) {
	if _, err := manifest.FormatOf(path); err == nil {
		return manifest.Load(path)
	}
	sidecar, err := manifest.FindSidecar(path)
	if err != nil {
		return nil, err
	}
	return manifest.Load(sidecar)
}
