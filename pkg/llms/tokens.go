package llms

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/strand/pkg/model"
)

// Estimator approximates token counts for budget preflight and context
// truncation. It is an estimate, not a billing source: dialects that
// report usage on the wire always win.
type Estimator struct {
	encoding *tiktoken.Tiktoken
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

// NewEstimator builds an estimator for the given model. Unknown models
// fall back to cl100k_base; when even that fails (no embedded encoding
// data) the estimator degrades to the chars/4 heuristic.
func NewEstimator(modelName string) *Estimator {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if enc, ok := encodingCache[modelName]; ok {
		return &Estimator{encoding: enc}
	}
	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	encodingCache[modelName] = enc
	return &Estimator{encoding: enc}
}

// Count returns the token count for text.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return len(text) / 4
	}
	return len(e.encoding.Encode(text, nil, nil))
}

// perMessageOverhead covers role framing tokens.
const perMessageOverhead = 3

// CountMessage estimates one message including tool arguments and
// results serialized the way they go on the wire.
func (e *Estimator) CountMessage(msg *model.Message) int {
	total := perMessageOverhead
	for _, b := range msg.Blocks {
		switch blk := b.(type) {
		case model.TextBlock:
			total += e.Count(blk.Text)
		case model.ReasoningBlock:
			total += e.Count(blk.Text)
		case model.ToolInvocationBlock:
			args, _ := json.Marshal(blk.Arguments)
			total += e.Count(blk.Name) + e.Count(string(args))
		case model.ToolResultBlock:
			total += e.Count(blk.Payload)
		}
	}
	return total
}

// CountRequest estimates the full input side of a request: system
// prompt, conversation, and tool declarations.
func (e *Estimator) CountRequest(req *model.Request) int {
	total := e.Count(req.System)
	for _, msg := range req.Messages {
		total += e.CountMessage(msg)
	}
	for _, tool := range req.Tools {
		params, _ := json.Marshal(tool.Parameters)
		total += e.Count(tool.Name) + e.Count(tool.Description) + e.Count(string(params))
	}
	return total
}
