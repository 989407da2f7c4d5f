package backend

import (
	"context"
	"encoding/json"
	"fmt"
)

// HybridAdapter runs the function stage first and feeds its output into a
// conversational turn. The function stage is fail fast: if it errors, the
// model is never called and no conversation state is written.
type HybridAdapter struct {
	functions    *FunctionAdapter
	conversation *ConversationAdapter
}

// NewHybridAdapter creates a hybrid adapter
func NewHybridAdapter(functions *FunctionAdapter, conversation *ConversationAdapter) *HybridAdapter {
	return &HybridAdapter{functions: functions, conversation: conversation}
}

// Invoke executes the function stage, then the conversational stage with the
// function output injected as model context
func (a *HybridAdapter) Invoke(ctx context.Context, req *Request) (*Result, error) {
	fnResult, err := a.functions.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	extra, err := formatFunctionContext(fnResult.Output)
	if err != nil {
		return nil, fmt.Errorf("%w: function output is not serializable", ErrBackend)
	}

	result, err := a.conversation.invokeWithContext(ctx, req, extra)
	if err != nil {
		return nil, err
	}

	result.Output = fnResult.Output
	return result, nil
}

// formatFunctionContext renders the function stage output for the model
func formatFunctionContext(output any) (string, error) {
	encoded, err := json.Marshal(output)
	if err != nil {
		return "", err
	}
	return "Result of the preprocessing step, use it to inform your answer:\n" + string(encoded), nil
}
