package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/kadirpekel/strand/pkg/approval"
)

// Prompter asks a human at the terminal to decide pending tool
// approvals during an interactive run.
type Prompter struct {
	in       *bufio.Reader
	out      io.Writer
	approver string
	plain    bool
}

// NewPrompter builds a prompter reading stdin. approver is the identity
// recorded on every decision.
func NewPrompter(approver string) *Prompter {
	return &Prompter{
		in:       bufio.NewReader(os.Stdin),
		out:      os.Stdout,
		approver: approver,
		plain:    !term.IsTerminal(int(os.Stdout.Fd())),
	}
}

// Interactive reports whether stdin is a terminal a human can answer on.
func (p *Prompter) Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Approver returns the identity decisions are recorded under.
func (p *Prompter) Approver() string { return p.approver }

// Decide displays req and blocks until the user answers. It returns the
// decision and an optional comment.
func (p *Prompter) Decide(req *approval.Request) (approved bool, comment string, err error) {
	p.display(req)

	fmt.Fprint(p.out, "Approve this call? [y/N] ")
	line, err := p.in.ReadString('\n')
	if err != nil {
		return false, "", fmt.Errorf("reading approval decision: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	approved = answer == "y" || answer == "yes"

	fmt.Fprint(p.out, "Comment (optional): ")
	line, err = p.in.ReadString('\n')
	if err != nil {
		return approved, "", nil
	}
	return approved, strings.TrimSpace(line), nil
}

func (p *Prompter) display(req *approval.Request) {
	dim, reset := colorDim, colorReset
	if p.plain {
		dim, reset = "", ""
	}

	fmt.Fprintf(p.out, "\n%s requires approval\n", req.ToolCall.Name)
	if len(req.ToolCall.Arguments) > 0 {
		args, err := json.MarshalIndent(req.ToolCall.Arguments, "  ", "  ")
		if err == nil {
			fmt.Fprintf(p.out, "  %s\n", args)
		}
	}
	fmt.Fprintf(p.out, "%sAgent: %s | Session: %s%s\n", dim, req.AgentID, req.SessionID, reset)
	if !req.Deadline.IsZero() {
		fmt.Fprintf(p.out, "%sExpires in %s%s\n", dim, time.Until(req.Deadline).Round(time.Second), reset)
	}
}
