package ui

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// ASCII logo for the application
const ASCIILogo = `
    ╔════════════════════════════════════════════════════╗
    ║   █████╗ ██╗   ██╗████████╗ ██████╗                 ║
    ║  ██╔══██╗██║   ██║╚══██╔══╝██╔═══██╗                ║
    ║  ███████║██║   ██║   ██║   ██║   ██║ ███████╗ █████╗ ║
    ║  ██╔══██║██║   ██║   ██║   ██║   ██║ ╚═════╝ ╚════╝ ║
    ║  ██║  ██║╚██████╔╝   ██║   ╚██████╔╝  SAVE           ║
    ║  ╚═╝  ╚═╝ ╚═════╝    ╚═╝    ╚═════╝                  ║
    ║      INCREMENTAL CHECKPOINTS FOR STREAMING AUDIO     ║
    ╚════════════════════════════════════════════════════╝
`

var mu sync.RWMutex

var (
	out     io.Writer = os.Stdout
	colorOn bool      = term.IsTerminal(int(os.Stdout.Fd()))
	quietOn bool
)

// Color functions for terminal output
var (
	Cyan    = colorize("\033[36m%s\033[0m")
	Yellow  = colorize("\033[33m%s\033[0m")
	Red     = colorize("\033[31m%s\033[0m")
	Green   = colorize("\033[32m%s\033[0m")
	Magenta = colorize("\033[35m%s\033[0m")
	Dim     = colorize("\033[2m%s\033[0m")
)

// SetOutput redirects all terminal output to w
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	if f, ok := w.(*os.File); ok {
		colorOn = colorOn && term.IsTerminal(int(f.Fd()))
	}
}

// SetColor enables or disables ANSI colors
func SetColor(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	colorOn = enabled
}

// SetQuietMode suppresses everything but errors
func SetQuietMode(quiet bool) {
	mu.Lock()
	defer mu.Unlock()
	quietOn = quiet
}

// IsQuiet reports whether quiet mode is on
func IsQuiet() bool {
	mu.RLock()
	defer mu.RUnlock()
	return quietOn
}

// colorize returns a function that wraps text with ANSI color codes when
// colors are enabled
func colorize(colorString string) func(string) string {
	return func(text string) string {
		mu.RLock()
		on := colorOn
		mu.RUnlock()
		if !on {
			return text
		}
		return fmt.Sprintf(colorString, text)
	}
}

func writer() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return out
}

func printf(format string, args ...interface{}) {
	if IsQuiet() {
		return
	}
	fmt.Fprintf(writer(), format, args...)
}

// PrintLogo prints the ASCII logo with color
func PrintLogo() {
	printf("%s", Cyan(ASCIILogo))
}

// PrintError prints an error message in red. Errors are shown in quiet mode.
func PrintError(msg string, args ...interface{}) {
	if len(args) > 0 {
		msg += ": " + fmt.Sprintf("%v", args[0])
	}
	fmt.Fprintln(writer(), Red(msg))
}

// PrintSuccess prints a success message in green
func PrintSuccess(msg string) {
	printf("%s\n", Green(msg))
}

// PrintInfo prints a label and value
func PrintInfo(label string, value string) {
	printf("%s: %s\n", Cyan(label), Yellow(value))
}

// PrintWarning prints a warning message in yellow
func PrintWarning(msg string, args ...interface{}) {
	if len(args) > 0 {
		msg += ": " + fmt.Sprintf("%v", args[0])
	}
	printf("%s\n", Yellow(msg))
}

// PrintHighlight prints a highlighted message in magenta
func PrintHighlight(msg string) {
	printf("%s\n", Magenta(msg))
}
