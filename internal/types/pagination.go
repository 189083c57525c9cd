package types

import "fmt"

// PageContext is the resumable cursor of one step. Exactly one of StartAt or
// PageToken is meaningful for a given source.
type PageContext struct {
	StartAt        int    `json:"start_at"`
	PageToken      string `json:"page_token,omitempty"`
	HasMore        bool   `json:"has_more"`
	TotalProcessed int    `json:"total_processed"`
}

// StepResults counts what one execution did.
type StepResults struct {
	Pulled int      `json:"pulled"`
	Pushed int      `json:"pushed"`
	Errors []string `json:"errors"`
}

// ExecutionContext is what a step returns after each execution and what the
// engine hands back to it as the previous context on the next one.
type ExecutionContext struct {
	PageCtx PageContext `json:"page_ctx"`
	Results StepResults `json:"results"`
}

// Done reports whether the step has no more pages.
func (c *ExecutionContext) Done() bool {
	return c != nil && !c.PageCtx.HasMore
}

// Validate rejects contexts the engine cannot safely checkpoint.
func (c *ExecutionContext) Validate() error {
	if c == nil {
		return fmt.Errorf("nil execution context")
	}
	if c.PageCtx.StartAt < 0 {
		return fmt.Errorf("negative startAt %d", c.PageCtx.StartAt)
	}
	if c.PageCtx.TotalProcessed < 0 {
		return fmt.Errorf("negative totalProcessed %d", c.PageCtx.TotalProcessed)
	}
	if c.Results.Pulled < 0 || c.Results.Pushed < 0 {
		return fmt.Errorf("negative result counters (pulled=%d pushed=%d)", c.Results.Pulled, c.Results.Pushed)
	}
	return nil
}

// EmptyDoneContext is returned by skipped or exhausted steps.
func EmptyDoneContext() *ExecutionContext {
	return &ExecutionContext{
		PageCtx: PageContext{StartAt: 0, HasMore: false, TotalProcessed: 0},
		Results: StepResults{Errors: []string{}},
	}
}

// PageParams describes one finished offset-paginated page.
type PageParams struct {
	HasMore        bool
	StartAt        int
	PageSize       int
	Pulled         int
	Pushed         int
	TotalProcessed int
	Errors         []string
}

// NewPaginationContext builds the next context for offset pagination. The
// next startAt advances by the page size, not by the number of items pulled.
func NewPaginationContext(p PageParams) *ExecutionContext {
	errs := p.Errors
	if errs == nil {
		errs = []string{}
	}
	next := p.StartAt
	if p.HasMore {
		next = p.StartAt + p.PageSize
	}
	return &ExecutionContext{
		PageCtx: PageContext{
			StartAt:        next,
			HasMore:        p.HasMore,
			TotalProcessed: p.TotalProcessed,
		},
		Results: StepResults{Pulled: p.Pulled, Pushed: p.Pushed, Errors: errs},
	}
}

// NewTokenContext builds the next context for token pagination.
func NewTokenContext(nextToken string, pulled, pushed, totalProcessed int) *ExecutionContext {
	return &ExecutionContext{
		PageCtx: PageContext{
			PageToken:      nextToken,
			HasMore:        nextToken != "",
			TotalProcessed: totalProcessed,
		},
		Results: StepResults{Pulled: pulled, Pushed: pushed, Errors: []string{}},
	}
}
