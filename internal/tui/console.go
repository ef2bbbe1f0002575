// Package tui is the interactive approval console for `echelon run`. It
// keeps a queue of pending approval requests fed off the event bus,
// renders the current request's diff in a scrollable viewport, and routes
// y/n decisions back to the approval manager. Detaching with q leaves the
// run headless; pending requests then fall to the manager's timeout.
package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/kunho817/echelon/internal/approval"
)

// Submitter delivers an operator decision for a pending request. It
// reports whether a request was still waiting; approval.Manager.Submit
// satisfies it.
type Submitter func(taskID string, approved bool, note string) bool

// ApprovalRequestMsg enqueues a request on the console. A second message
// for the same task replaces the queued payload, which happens when
// concurrent merges rewrite a branch and the coordinator re-requests.
type ApprovalRequestMsg struct {
	Request *approval.Request
}

// ApprovalResolvedMsg drops a request that was decided elsewhere, by
// timeout or by the run ending.
type ApprovalResolvedMsg struct {
	TaskID    string
	DecidedBy string
}

// MissionDoneMsg shuts the console down when the mission finishes.
type MissionDoneMsg struct {
	Status string
}

// Console is the bubbletea model. Decisions go through submit so tests
// can capture them without a manager.
type Console struct {
	queue  []*approval.Request
	submit Submitter

	vp          viewport.Model
	note        textinput.Model
	noting      bool
	headerLines []int

	width  int
	height int
	ready  bool

	flash  string
	status string
	styles consoleStyles
}

// NewConsole creates a console over the given decision sink, pre-seeded
// with any requests that arrived before the console attached.
func NewConsole(submit Submitter, pending ...*approval.Request) *Console {
	note := textinput.New()
	note.Placeholder = "reason for rejection"
	note.CharLimit = 500

	c := &Console{
		submit: submit,
		note:   note,
		styles: defaultStyles(),
	}
	for _, req := range pending {
		c.enqueue(req)
	}
	return c
}

// Init implements tea.Model.
func (c *Console) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (c *Console) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		c.resize(msg.Width, msg.Height)
		return c, nil

	case ApprovalRequestMsg:
		if msg.Request != nil {
			c.enqueue(msg.Request)
		}
		return c, nil

	case ApprovalResolvedMsg:
		c.remove(msg.TaskID)
		return c, nil

	case MissionDoneMsg:
		c.status = msg.Status
		return c, tea.Quit

	case tea.KeyMsg:
		if c.noting {
			return c.updateNote(msg)
		}
		return c.updateKeys(msg)
	}

	if c.ready {
		var cmd tea.Cmd
		c.vp, cmd = c.vp.Update(msg)
		return c, cmd
	}
	return c, nil
}

func (c *Console) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return c, tea.Quit

	case "y":
		if cur := c.current(); cur != nil {
			c.decide(cur, true, "")
		}
		return c, nil

	case "n":
		if c.current() != nil {
			c.noting = true
			c.note.SetValue("")
			return c, c.note.Focus()
		}
		return c, nil

	case "tab":
		c.nextFile()
		return c, nil
	}

	if c.ready {
		var cmd tea.Cmd
		c.vp, cmd = c.vp.Update(msg)
		return c, cmd
	}
	return c, nil
}

func (c *Console) updateNote(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		c.noting = false
		c.note.Blur()
		return c, nil

	case "enter":
		c.noting = false
		c.note.Blur()
		if cur := c.current(); cur != nil {
			c.decide(cur, false, strings.TrimSpace(c.note.Value()))
		}
		return c, nil
	}

	var cmd tea.Cmd
	c.note, cmd = c.note.Update(msg)
	return c, cmd
}

// decide submits and drops the request locally. The resolved event that
// follows finds nothing to remove, which is fine.
func (c *Console) decide(req *approval.Request, approved bool, note string) {
	verdict := "rejected"
	if approved {
		verdict = "approved"
	}
	if c.submit != nil && c.submit(req.TaskID, approved, note) {
		c.flash = verdict + " " + req.Title
	} else {
		c.flash = "already resolved: " + req.Title
	}
	c.remove(req.TaskID)
}

func (c *Console) current() *approval.Request {
	if len(c.queue) == 0 {
		return nil
	}
	return c.queue[0]
}

func (c *Console) enqueue(req *approval.Request) {
	for i, queued := range c.queue {
		if queued.TaskID == req.TaskID {
			c.queue[i] = req
			if i == 0 {
				c.showCurrent()
			}
			return
		}
	}
	c.queue = append(c.queue, req)
	if len(c.queue) == 1 {
		c.showCurrent()
	}
}

func (c *Console) remove(taskID string) {
	for i, queued := range c.queue {
		if queued.TaskID == taskID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			if i == 0 {
				c.showCurrent()
			}
			return
		}
	}
}

// showCurrent loads the front request into the viewport.
func (c *Console) showCurrent() {
	c.headerLines = nil
	if !c.ready {
		return
	}
	cur := c.current()
	if cur == nil {
		c.vp.SetContent("")
		return
	}

	lines := strings.Split(strings.TrimRight(cur.Diff, "\n"), "\n")
	styled := make([]string, len(lines))
	for i, line := range lines {
		if diffLineClass(line) == diffHeader && strings.HasPrefix(line, "--- ") {
			c.headerLines = append(c.headerLines, i)
		}
		styled[i] = c.styleDiffLine(line)
	}
	c.vp.SetContent(strings.Join(styled, "\n"))
	c.vp.GotoTop()
}

// nextFile jumps the viewport to the next per-file header, wrapping.
func (c *Console) nextFile() {
	if !c.ready || len(c.headerLines) == 0 {
		return
	}
	for _, line := range c.headerLines {
		if line > c.vp.YOffset {
			c.vp.SetYOffset(line)
			return
		}
	}
	c.vp.SetYOffset(c.headerLines[0])
}

func (c *Console) resize(width, height int) {
	c.width = width
	c.height = height
	vpHeight := height - chromeHeight
	if vpHeight < 3 {
		vpHeight = 3
	}
	if !c.ready {
		c.vp = viewport.New(width, vpHeight)
		c.ready = true
	} else {
		c.vp.Width = width
		c.vp.Height = vpHeight
	}
	c.note.Width = width - 4
	c.showCurrent()
}
