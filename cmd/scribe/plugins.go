package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/scribe/internal/domain/plugin"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	headStyle = lipgloss.NewStyle().Bold(true)
)

var validateCmd = &cobra.Command{
	Use:   "validate <dir>",
	Short: "Validate plugin manifests in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}

		manifests, err := plugin.LoadManifestDir(args[0])
		if err != nil {
			return err
		}

		fmt.Println(headStyle.Render(fmt.Sprintf("%d manifest(s) valid", len(manifests))))
		for _, m := range manifests {
			line := fmt.Sprintf("  %s %s@%s", okStyle.Render("✓"), m.ID, m.Version)
			if len(m.Config.Dependencies) > 0 {
				line += dimStyle.Render(fmt.Sprintf("  requires %v", m.Config.Dependencies))
			}
			fmt.Println(line)
		}
		return nil
	},
}

var orderCmd = &cobra.Command{
	Use:   "order <dir>",
	Short: "Print the dependency-ordered activation sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}

		manifests, err := plugin.LoadManifestDir(args[0])
		if err != nil {
			return err
		}

		ids := make(map[string]bool, len(manifests))
		for _, m := range manifests {
			ids[m.ID] = true
		}

		graph := plugin.NewGraph()
		for _, m := range manifests {
			for _, dep := range m.Config.Dependencies {
				if !ids[dep] {
					return &plugin.MissingDependencyError{ID: m.ID, Dependency: dep}
				}
			}
			if err := graph.AddEdges(m.ID, m.Config.Dependencies...); err != nil {
				return err
			}
		}

		fmt.Println(headStyle.Render("Activation order (dependencies first):"))
		for i, id := range graph.LoadOrder() {
			fmt.Printf("  %s %s\n", dimStyle.Render(fmt.Sprintf("%2d.", i+1)), id)
		}
		return nil
	},
}
