package tui

// Keybinding constants
const (
	KeyTab       = "tab"
	KeyShiftTab  = "shift+tab"
	KeyQuit      = "q"
	KeyCtrlC     = "ctrl+c"
	KeyPane1     = "1"
	KeyPane2     = "2"
	KeyUp        = "up"
	KeyDown      = "down"
	KeyJ         = "j"
	KeyK         = "k"
	KeySettings  = "s"
	KeyCancel    = "c"
	KeyCancelAll = "C"
	KeyVerbose   = "v"
)

// HelpView returns a one-line help bar with common keybindings.
func HelpView() string {
	return StyleHelp.Render("Tab: cycle focus | j/k: select | c: cancel | C: cancel tree | v: verbose | s: settings | q: quit")
}
