package app

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/agent-racer/termplex/internal/theme"
)

// noMarginStyle removes glamour's document margins.
const noMarginStyle = `{
	"document": {
		"margin": 0,
		"block_prefix": "",
		"block_suffix": ""
	}
}`

// helpMarkdown builds the help text from the key map.
func helpMarkdown(k KeyMap) string {
	var b strings.Builder
	b.WriteString("# termplex\n\n")
	fmt.Fprintf(&b, "Press `%s` and then one of:\n\n", k.Prefix.Help().Key)
	b.WriteString("| key | action |\n|---|---|\n")
	for _, binding := range k.prefixed() {
		h := binding.Help()
		fmt.Fprintf(&b, "| `%s` | %s |\n", h.Key, h.Desc)
	}
	fmt.Fprintf(&b, "\nPress `%s` twice to send it to the terminal. ", k.Prefix.Help().Key)
	b.WriteString("All other keys go to the active session.\n\n")
	b.WriteString("Sessions survive disconnects: after a reconnect every session is ")
	b.WriteString("reattached and its screen is replayed. A session marked ✗ could not ")
	b.WriteString("be reattached; use retry to try again.\n")
	return b.String()
}

// renderHelp renders the help overlay, falling back to the raw markdown if
// glamour fails.
func renderHelp(k KeyMap, width int) string {
	md := helpMarkdown(k)
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath("dark"),
		glamour.WithStylesFromJSONBytes([]byte(noMarginStyle)),
		glamour.WithWordWrap(max(width-2, 20)),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out + "\n" + theme.StyleDimmed.Render("  esc to close")
}
