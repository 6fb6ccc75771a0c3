package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/strata-io/strata/internal/ir"
	"github.com/stretchr/testify/assert"
)

func TestCycleError_Message(t *testing.T) {
	err := &CycleError{Resources: []string{"net.sim_a.x", "net.sim_b.y", "net.sim_a.x"}}
	assert.Equal(t, "dependency cycle: net.sim_a.x -> net.sim_b.y -> net.sim_a.x", err.Error())
}

func TestProviderError_Message(t *testing.T) {
	multi := &ProviderError{
		Resource: "app.sim_db.main",
		Op:       ir.ActionCreate,
		Attempts: 4,
		Err:      errors.New("throttled"),
	}
	assert.Equal(t, "resource app.sim_db.main: create failed after 4 attempts: throttled", multi.Error())

	single := &ProviderError{
		Resource: "app.sim_db.main",
		Op:       ir.ActionDestroy,
		Err:      errors.New("still in use"),
	}
	assert.Equal(t, "resource app.sim_db.main: destroy failed: still in use", single.Error())

	// The wrapped cause stays reachable.
	cause := errors.New("boom")
	wrapped := &ProviderError{Resource: "r", Op: ir.ActionUpdate, Err: cause}
	assert.ErrorIs(t, wrapped, cause)
}

func TestIsConfigurationError(t *testing.T) {
	assert.True(t, IsConfigurationError(&CycleError{Resources: []string{"a", "a"}}))
	assert.True(t, IsConfigurationError(&UnresolvedReferenceError{Module: "m", Input: "i"}))
	assert.True(t, IsConfigurationError(&InvalidChangeError{Resource: "r"}))
	assert.True(t, IsConfigurationError(fmt.Errorf("planning: %w", &CycleError{Resources: []string{"a", "a"}})))

	assert.False(t, IsConfigurationError(errors.New("boom")))
	assert.False(t, IsConfigurationError(&ProviderError{Err: errors.New("boom")}))
}
