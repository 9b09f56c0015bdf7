package main

import (
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// interactive reports whether both ends of the terminal are attached, so a
// prompt can be shown and answered.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd()))
}

// confirm asks a yes/no question, defaulting to no
func confirm(title, description string) (bool, error) {
	var ok bool
	c := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok)
	if err := huh.NewForm(huh.NewGroup(c)).WithShowHelp(false).Run(); err != nil {
		return false, err
	}
	return ok, nil
}
