package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedTokenSource(t *testing.T) {
	calls := 0
	fail := true
	source := NewCachedTokenSource(func(context.Context) (string, error) {
		calls++
		if fail {
			return "", errors.New("auth server unavailable")
		}
		return "token", nil
	})

	_, err := source.Token(context.Background())
	require.Error(t, err)

	fail = false
	for i := 0; i < 3; i++ {
		token, err := source.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "token", token)
	}
	assert.Equal(t, 2, calls)

	source.Invalidate()
	_, err = source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestStaticToken(t *testing.T) {
	token, err := StaticToken("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}
