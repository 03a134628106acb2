package runtui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Stop   key.Binding
	Quit   key.Binding
	URL    key.Binding
	Submit key.Binding
	Escape key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Stop: key.NewBinding(
			key.WithKeys("ctrl+c", "s"),
			key.WithHelp("ctrl+c", "stop after cycle"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "enter", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		URL: key.NewBinding(
			key.WithKeys("u"),
			key.WithHelp("u", "enter deploy URL"),
		),
		Submit: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "submit"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "cancel"),
		),
	}
}
