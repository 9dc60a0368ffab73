package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hrygo/taskgraph/internal/registry"
)

// LLMTask formats a prompt, issues exactly one API call, and parses the
// response. Both the formatted prompt and the raw response are cached the
// first time they are produced, so a retried run (after a crash or a
// dependency-triggered re-run) never reformats a prompt or reissues a call
// once either has succeeded.
type LLMTask struct {
	base

	promptFormatterID registry.FunctionID
	apiHandlerID      registry.FunctionID
	params            map[string]any
	outputParserID    registry.FunctionID

	formattedPrompt    any
	hasFormattedPrompt bool
	response           *string
}

// NewLLMTask constructs an LLMTask with a freshly generated task id and the
// given positional and keyword dependencies.
func NewLLMTask(promptFormatterID, apiHandlerID, outputParserID registry.FunctionID, params map[string]any, deps []TaskID, kwdeps map[string]TaskID) *LLMTask {
	return &LLMTask{
		base:              newBase(deps, kwdeps),
		promptFormatterID: promptFormatterID,
		apiHandlerID:      apiHandlerID,
		params:            params,
		outputParserID:    outputParserID,
	}
}

func (t *LLMTask) Kind() TaskKind { return KindLLM }

func (t *LLMTask) run(ctx context.Context, g *TaskGraph) (any, error) {
	return runTask(ctx, g, t, func(ctx context.Context, gc *GraphContext, args []any, kwargs map[string]any) (any, error) {
		reg := g.activeRegistry()

		if !t.hasFormattedPrompt {
			formatterFn, err := reg.LookupContext(t.promptFormatterID)
			if err != nil {
				return nil, err
			}
			prompt, err := formatterFn(ctx, gc, args, kwargs)
			if err != nil {
				return nil, err
			}
			t.formattedPrompt = prompt
			t.hasFormattedPrompt = true
		}

		if t.response == nil {
			apiFn, err := reg.LookupAPIHandler(t.apiHandlerID)
			if err != nil {
				return nil, err
			}
			resp, err := apiFn(ctx, t.formattedPrompt, t.params)
			if err != nil {
				return nil, err
			}
			t.response = &resp
		}

		parserFn, err := reg.LookupContext(t.outputParserID)
		if err != nil {
			return nil, err
		}
		return parserFn(ctx, gc, []any{*t.response}, nil)
	})
}

func (t *LLMTask) MarshalJSON() ([]byte, error) {
	m := t.commonJSON(KindLLM)
	m["prompt_formatter_id"] = t.promptFormatterID
	m["api_handler_id"] = t.apiHandlerID
	m["params"] = t.params
	m["output_parser_id"] = t.outputParserID

	if t.hasFormattedPrompt {
		m["formatted_prompt"] = t.formattedPrompt
	} else {
		m["formatted_prompt"] = nil
	}
	if t.response != nil {
		m["response"] = *t.response
	} else {
		m["response"] = nil
	}

	return json.Marshal(m)
}

func llmTaskFromJSON(raw map[string]json.RawMessage) (*LLMTask, error) {
	b, err := decodeCommon(raw)
	if err != nil {
		return nil, err
	}

	var pf, ah, op string
	if err := json.Unmarshal(raw["prompt_formatter_id"], &pf); err != nil {
		return nil, fmt.Errorf("graph: decoding prompt_formatter_id: %w", err)
	}
	if err := json.Unmarshal(raw["api_handler_id"], &ah); err != nil {
		return nil, fmt.Errorf("graph: decoding api_handler_id: %w", err)
	}
	if err := json.Unmarshal(raw["output_parser_id"], &op); err != nil {
		return nil, fmt.Errorf("graph: decoding output_parser_id: %w", err)
	}

	var params map[string]any
	if v, ok := raw["params"]; ok && !isJSONNull(v) {
		if err := json.Unmarshal(v, &params); err != nil {
			return nil, fmt.Errorf("graph: decoding params: %w", err)
		}
	}

	t := &LLMTask{
		base:              b,
		promptFormatterID: registry.FunctionID(pf),
		apiHandlerID:      registry.FunctionID(ah),
		outputParserID:    registry.FunctionID(op),
		params:            params,
	}

	if v, ok := raw["formatted_prompt"]; ok && !isJSONNull(v) {
		var fp any
		if err := json.Unmarshal(v, &fp); err != nil {
			return nil, fmt.Errorf("graph: decoding formatted_prompt: %w", err)
		}
		t.formattedPrompt = fp
		t.hasFormattedPrompt = true
	}
	if v, ok := raw["response"]; ok && !isJSONNull(v) {
		var resp string
		if err := json.Unmarshal(v, &resp); err != nil {
			return nil, fmt.Errorf("graph: decoding response: %w", err)
		}
		t.response = &resp
	}

	return t, nil
}
