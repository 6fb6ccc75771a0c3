package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCodeError(t *testing.T) {
	cause := errors.New("2 succeeded, 1 failed, 0 skipped")
	err := exitCode(exitPartialFailure, fmt.Errorf("apply incomplete: %w", cause))

	var ec *exitCodeError
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, 3, ec.code)
	assert.EqualError(t, err, "apply incomplete: 2 succeeded, 1 failed, 0 skipped")
	assert.ErrorIs(t, err, cause)
}
