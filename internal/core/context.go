package core

import "context"

type scopeKey struct{}

// WorkflowScope identifies the workflow a collaborator call is made for.
type WorkflowScope struct {
	WorkflowID WorkflowID
	ProjectID  string
}

// ContextWithWorkflow attaches the workflow scope to ctx. Collaborators whose
// port methods do not take a workflow id read it back with WorkflowFromContext.
func ContextWithWorkflow(ctx context.Context, id WorkflowID, projectID string) context.Context {
	return context.WithValue(ctx, scopeKey{}, WorkflowScope{WorkflowID: id, ProjectID: projectID})
}

// WorkflowFromContext returns the scope set by ContextWithWorkflow.
func WorkflowFromContext(ctx context.Context) (WorkflowScope, bool) {
	s, ok := ctx.Value(scopeKey{}).(WorkflowScope)
	return s, ok
}
