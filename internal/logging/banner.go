package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	green = "\033[32m"
	dim   = "\033[2m"
)

var logoLines = [6]string{
	`  ____           _ ____  _ _       _   `,
	` |  _ \ ___   __| |  _ \(_) | ___ | |_ `,
	` | |_) / _ \ / _` + "`" + ` | |_) | | |/ _ \| __|`,
	` |  __/ (_) | (_| |  __/| | | (_) | |_ `,
	` |_|   \___/ \__,_|_|   |_|_|\___/ \__|`,
	`                                       `,
}

// PrintBanner prints the PodPilot ASCII logo followed by the process
// mode ("hub" or "agent"), version, and listen/dial target. Colors are
// used only when stderr is a TTY.
func PrintBanner(mode, ver, target string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for i := range logoLines {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, logoLines[i], reset)
		} else {
			fmt.Fprintln(os.Stderr, logoLines[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "  %s%s%s   %sversion%s %s   %s\n\n",
			bold+green, mode, reset, dim, reset, ver, target)
	} else {
		fmt.Fprintf(os.Stderr, "  %s   version %s   %s\n\n", mode, ver, target)
	}
}
