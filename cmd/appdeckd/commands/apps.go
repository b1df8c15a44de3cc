package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/appdeck-ai/appdeck/internal/config"
)

var appsDir string

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List discoverable applications",
	Long:  `List the applications reachable through the configured search paths.`,
	RunE:  runApps,
}

func init() {
	appsCmd.Flags().StringVar(&appsDir, "directory", "", "Workspace root (defaults to current directory)")
}

func runApps(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(appsDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	apps, err := config.DiscoverApps(cfg.SearchPaths)
	if err != nil {
		return err
	}
	if len(apps) == 0 {
		fmt.Println("no applications found")
		return nil
	}

	for _, app := range apps {
		if app.Description != "" {
			fmt.Printf("%s\t%s\t%s\n", app.Name, app.EntryPath(), app.Description)
		} else {
			fmt.Printf("%s\t%s\n", app.Name, app.EntryPath())
		}
	}
	return nil
}
