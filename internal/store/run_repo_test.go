package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorText(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ErrorText(nil))
	msg := ErrorText(errors.New("boom"))
	require.NotNil(t, msg)
	assert.Equal(t, "boom", *msg)
}
