package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// chromeHeight is the number of lines View draws around the viewport.
const chromeHeight = 8

type consoleStyles struct {
	title   lipgloss.Style
	header  lipgloss.Style
	add     lipgloss.Style
	remove  lipgloss.Style
	context lipgloss.Style
	prompt  lipgloss.Style
	help    lipgloss.Style
}

func defaultStyles() consoleStyles {
	return consoleStyles{
		title: lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(lipgloss.Color("236")).
			Padding(0, 2),
		header:  lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		add:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		remove:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		context: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		prompt:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		help:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// View implements tea.Model.
func (c *Console) View() string {
	if !c.ready {
		return "starting approval console...\n"
	}

	var b strings.Builder
	title := fmt.Sprintf("echelon approvals · %d pending", len(c.queue))
	if c.status != "" {
		title = "echelon approvals · mission " + c.status
	}
	b.WriteString(c.styles.title.Render(title))
	b.WriteString("\n\n")

	cur := c.current()
	if cur == nil {
		b.WriteString("no approvals pending\n")
		b.WriteString(c.styles.help.Render("waiting for the coordinator · q detach"))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(c.styles.prompt.Render(cur.Title))
	b.WriteString("\n")
	meta := fmt.Sprintf("agent %s · %s · hash %.8s · requested %s",
		cur.AgentID, cur.Summary, cur.DiffHash, cur.RequestedAt.Format("15:04:05"))
	b.WriteString(c.styles.help.Render(meta))
	b.WriteString("\n\n")

	b.WriteString(c.vp.View())
	b.WriteString("\n\n")

	if c.noting {
		b.WriteString(c.note.View())
		b.WriteString("\n")
		b.WriteString(c.styles.help.Render("enter submit · esc cancel"))
		return b.String()
	}

	b.WriteString(c.styles.prompt.Render("merge this change set?"))
	b.WriteString("  ")
	b.WriteString(c.styles.help.Render("y approve · n reject · tab next file · ↑/↓ scroll · q detach"))
	if c.flash != "" {
		b.WriteString("\n")
		b.WriteString(c.styles.help.Render(c.flash))
	}
	return b.String()
}

type diffClass int

const (
	diffContext diffClass = iota
	diffAdd
	diffRemove
	diffHeader
)

// diffLineClass buckets a rendered diff line for styling. Header checks
// run first so "--- path" and "+++ path" never read as edits.
func diffLineClass(line string) diffClass {
	switch {
	case strings.HasPrefix(line, "+++ "),
		strings.HasPrefix(line, "--- "),
		strings.HasPrefix(line, "diff --git"),
		strings.HasPrefix(line, "index "),
		strings.HasPrefix(line, "@@"):
		return diffHeader
	case strings.HasPrefix(line, "+"):
		return diffAdd
	case strings.HasPrefix(line, "-"):
		return diffRemove
	default:
		return diffContext
	}
}

func (c *Console) styleDiffLine(line string) string {
	switch diffLineClass(line) {
	case diffAdd:
		return c.styles.add.Render(line)
	case diffRemove:
		return c.styles.remove.Render(line)
	case diffHeader:
		return c.styles.header.Render(line)
	default:
		return c.styles.context.Render(line)
	}
}
