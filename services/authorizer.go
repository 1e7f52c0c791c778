package services

import (
	"context"

	"crewlink/contract"
)

// StaticAuthorizer is the built-in policy: any authenticated user may
// enter any channel, and command lifecycle events demand an explicit
// permission claim. Deployments wire their own contract.Authorizer when
// policy lives elsewhere.
type StaticAuthorizer struct {
	required map[string][]string
}

var _ contract.Authorizer = (*StaticAuthorizer)(nil)

func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{
		required: map[string][]string{
			"command_start":    {"commands:execute"},
			"command_progress": {"commands:execute"},
			"command_complete": {"commands:execute"},
			"command_error":    {"commands:execute"},
		},
	}
}

func (a *StaticAuthorizer) CanAccessChannel(_ context.Context, _, _ string) (bool, error) {
	return true, nil
}

func (a *StaticAuthorizer) RequiredPermissions(action string) []string {
	return a.required[action]
}
