package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/kadirpekel/strand/pkg/model"
)

// ANSI codes for stream rendering.
const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorDim    = "\033[2m"
	colorCyan   = "\033[36m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
)

// maxPayloadPreview caps how much of a tool result is echoed inline.
const maxPayloadPreview = 200

// Renderer writes a session's event stream to a terminal.
type Renderer struct {
	out io.Writer

	// ShowReasoning echoes the model's internal reasoning as grayed-out
	// thinking blocks.
	ShowReasoning bool
	// ShowTools echoes tool invocations and their results.
	ShowTools bool
	// Plain disables ANSI colors (non-TTY output, tests).
	Plain bool
}

// NewRenderer builds a renderer for out. Colors are enabled only when
// out is a terminal.
func NewRenderer(out io.Writer) *Renderer {
	r := &Renderer{out: out, ShowTools: true, Plain: true}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		r.Plain = false
	}
	return r
}

// Render writes one event. Unknown events are ignored so the renderer
// stays forward-compatible with new stream types.
func (r *Renderer) Render(ev model.StreamEvent) {
	switch e := ev.(type) {
	case model.TextDelta:
		fmt.Fprint(r.out, e.Text)

	case model.ReasoningDelta:
		if r.ShowReasoning {
			fmt.Fprintf(r.out, "%s%s", r.paint(colorGray+colorDim), e.Text)
			fmt.Fprint(r.out, r.paint(colorReset))
		}

	case model.ToolCallStart:
		if r.ShowTools {
			fmt.Fprintf(r.out, "\n%s[tool] %s%s\n", r.paint(colorCyan), e.ToolName, r.paint(colorReset))
		}

	case model.ToolResultEvent:
		if !r.ShowTools {
			return
		}
		if e.OK {
			fmt.Fprintf(r.out, "%s[tool ok] %s%s\n",
				r.paint(colorGreen+colorDim), preview(e.Payload), r.paint(colorReset))
		} else {
			fmt.Fprintf(r.out, "%s[tool error] %s%s\n",
				r.paint(colorRed), preview(e.Payload), r.paint(colorReset))
		}

	case model.RetryEvent:
		fmt.Fprintf(r.out, "%s[retry %d in %dms: %s]%s\n",
			r.paint(colorYellow+colorDim), e.Attempt, e.DelayMS, e.Reason, r.paint(colorReset))

	case model.StepEnd:
		r.renderStepEnd(e)

	case model.Lag:
		fmt.Fprintf(r.out, "%s[stream lagged, %d events dropped]%s\n",
			r.paint(colorYellow), e.Dropped, r.paint(colorReset))
	}
}

func (r *Renderer) renderStepEnd(e model.StepEnd) {
	switch e.StopReason {
	case model.StopEndTurn:
		fmt.Fprintf(r.out, "\n%s[done | in %d out %d]%s\n",
			r.paint(colorDim), e.Usage.InputTokens, e.Usage.OutputTokens, r.paint(colorReset))
	case model.StopCancelled:
		fmt.Fprintf(r.out, "\n%s[cancelled]%s\n", r.paint(colorYellow), r.paint(colorReset))
	case model.StopPaused:
		fmt.Fprintf(r.out, "\n%s[paused: %s]%s\n", r.paint(colorYellow), e.Error, r.paint(colorReset))
	case model.StopError:
		fmt.Fprintf(r.out, "\n%s[failed: %s]%s\n", r.paint(colorRed), e.Error, r.paint(colorReset))
	}
	// tool_use and max_tokens are intermediate; the loop keeps going.
}

func (r *Renderer) paint(code string) string {
	if r.Plain {
		return ""
	}
	return code
}

func preview(payload string) string {
	payload = strings.ReplaceAll(payload, "\n", " ")
	if len(payload) > maxPayloadPreview {
		return payload[:maxPayloadPreview] + "..."
	}
	return payload
}
