package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/config"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/prefs"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type prefsView struct {
	Path             string                   `yaml:"path"`
	Theme            prefs.Theme              `yaml:"theme"`
	SidebarCollapsed bool                     `yaml:"sidebarCollapsed"`
	Background       prefs.BackgroundImage    `yaml:"background"`
	Options          []prefs.BackgroundOption `yaml:"backgroundOptions"`
}

func newPrefsCommand() *cobra.Command {
	prefsCmd := &cobra.Command{
		Use:   "prefs",
		Short: "Inspect and change local UI preferences",
	}

	prefsCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := openPrefs()
			if err != nil {
				return err
			}
			return printPrefs(cmd, file)
		},
	})

	prefsCmd.AddCommand(&cobra.Command{
		Use:   "theme [light|dark|toggle]",
		Short: "Set or toggle the color theme",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := openPrefs()
			if err != nil {
				return err
			}
			ui := prefs.NewUI(file)
			if args[0] == "toggle" {
				err = ui.ToggleTheme()
			} else {
				err = ui.SetTheme(prefs.Theme(args[0]))
			}
			if err != nil {
				return err
			}
			return printPrefs(cmd, file)
		},
	})

	prefsCmd.AddCommand(&cobra.Command{
		Use:   "sidebar [collapsed|expanded|toggle]",
		Short: "Collapse, expand or toggle the sidebar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := openPrefs()
			if err != nil {
				return err
			}
			ui := prefs.NewUI(file)
			switch args[0] {
			case "toggle":
				err = ui.ToggleSidebar()
			case "collapsed":
				err = ui.SetSidebarCollapsed(true)
			case "expanded":
				err = ui.SetSidebarCollapsed(false)
			default:
				return fmt.Errorf("unknown sidebar state %q", args[0])
			}
			if err != nil {
				return err
			}
			return printPrefs(cmd, file)
		},
	})

	var opacity float64
	var blur string
	backgroundCmd := &cobra.Command{
		Use:   "background [option-id|url|reset]",
		Short: "Choose a built-in backdrop, set a custom URL or reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := openPrefs()
			if err != nil {
				return err
			}
			background := prefs.NewBackground(file)
			switch {
			case args[0] == "reset":
				err = background.Reset()
			case isBackgroundOption(args[0]):
				err = background.Choose(args[0])
			default:
				current := background.Current().Get()
				if !cmd.Flags().Changed("opacity") {
					opacity = current.Opacity
				}
				err = background.Set(args[0], opacity, blur)
			}
			if err != nil {
				return err
			}
			return printPrefs(cmd, file)
		},
	}
	backgroundCmd.Flags().Float64Var(&opacity, "opacity", 0.7, "Backdrop opacity between 0 and 1")
	backgroundCmd.Flags().StringVar(&blur, "blur", "", "CSS blur radius, for example 8px")
	prefsCmd.AddCommand(backgroundCmd)

	return prefsCmd
}

func openPrefs() (*prefs.File, error) {
	path := viper.GetString("prefs.path")
	if path == "" {
		path = config.NewViper().GetString("prefs.path")
	}
	return prefs.Open(path)
}

func isBackgroundOption(id string) bool {
	for _, option := range prefs.BackgroundOptions() {
		if option.ID == id {
			return true
		}
	}
	return false
}

func printPrefs(cmd *cobra.Command, file *prefs.File) error {
	ui := prefs.NewUI(file)
	view := prefsView{
		Path:             file.Path(),
		Theme:            ui.Theme().Get(),
		SidebarCollapsed: ui.SidebarCollapsed().Get(),
		Background:       prefs.NewBackground(file).Current().Get(),
		Options:          prefs.BackgroundOptions(),
	}
	encoded, err := yaml.Marshal(view)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), string(encoded))
	return err
}
