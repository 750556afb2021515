package diag

import (
	"fmt"
	"strings"
)

// HelpText lists the visible subcommands, formatted for the channel type.
func HelpText(channelType string, d *Dispatcher) string {
	root := d.Prefix() + d.Root()

	var b strings.Builder
	switch channelType {
	case "discord":
		fmt.Fprintf(&b, "**%s Help**\n\n", d.Root())
		fmt.Fprintf(&b, "`%s` - Status brief\n", root)
	case "slack":
		fmt.Fprintf(&b, "*%s Help*\n\n", d.Root())
		fmt.Fprintf(&b, "`%s` - Status brief\n", root)
	default:
		fmt.Fprintf(&b, "Available Commands:\n\n")
		fmt.Fprintf(&b, "%-28s Status brief\n", root)
	}

	for _, c := range d.Commands() {
		if c.Hidden {
			continue
		}
		usage := root + " " + c.Name
		if len(c.Aliases) > 0 {
			usage += " (" + strings.Join(c.Aliases, ", ") + ")"
		}
		switch channelType {
		case "discord", "slack":
			fmt.Fprintf(&b, "`%s` - %s\n", usage, c.Help)
		default:
			fmt.Fprintf(&b, "%-28s %s\n", usage, c.Help)
		}
	}

	if channelType == "console" {
		b.WriteString(consoleControls)
	}
	return strings.TrimRight(b.String(), "\n")
}

const consoleControls = `
Display controls (apply to the most recent output):
:first  :prev  :next  :last  :page N  :close`
