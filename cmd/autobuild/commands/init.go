package commands

import (
	"fmt"

	"git.home.luguber.info/inful/autobuild/internal/config"
)

// InitCmd implements the 'init' command.
type InitCmd struct {
	Force bool `help:"Overwrite existing configuration file"`
}

func (i *InitCmd) Run(_ *Global, root *CLI) error {
	if err := config.Init(root.Config, i.Force); err != nil {
		return err
	}
	fmt.Printf("Wrote example configuration to %s\n", root.Config)
	fmt.Println("Edit the SMTP and build sections before the first run.")
	return nil
}
