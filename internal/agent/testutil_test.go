package agent

import (
	"context"
	"fmt"
	"sync"
)

// fakeAuthorizer is a scriptable TokenAuthorizer for session tests.
type fakeAuthorizer struct {
	mu            sync.Mutex
	token         string
	refreshCalls  int
	refreshErr    error
	accessTokenFn func(delegatedUser string) (string, error)
}

func (f *fakeAuthorizer) AccessToken(_ context.Context, delegatedUser string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accessTokenFn != nil {
		return f.accessTokenFn(delegatedUser)
	}
	if f.token == "" {
		return "", fmt.Errorf("no token available")
	}
	return f.token, nil
}

// Refresh replaces the token with a numbered successor so tests can tell
// pre-refresh and post-refresh requests apart.
func (f *fakeAuthorizer) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.token = fmt.Sprintf("refreshed-token-%d", f.refreshCalls)
	return nil
}

func (f *fakeAuthorizer) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}
