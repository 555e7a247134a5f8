package prompts

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	vars := map[string]interface{}{
		"name":  "Ada",
		"count": 3,
	}

	expanded, err := Expand("Hello $name, you have ${count} messages", vars)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada, you have 3 messages", expanded)
}

func TestExpandEscapedDollar(t *testing.T) {
	expanded, err := Expand("price is $$5 for $item", map[string]interface{}{"item": "tea"})
	require.NoError(t, err)
	assert.Equal(t, "price is $5 for tea", expanded)
}

func TestExpandDanglingDollar(t *testing.T) {
	expanded, err := Expand("100$ well spent", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "100$ well spent", expanded)
}

func TestExpandMissingVariable(t *testing.T) {
	_, err := Expand("Hello $name", map[string]interface{}{})
	require.Error(t, err)

	var missingErr *MissingVariableError
	require.True(t, errors.As(err, &missingErr))
	assert.Equal(t, "name", missingErr.Name)
}

func TestExpandNoPlaceholders(t *testing.T) {
	expanded, err := Expand("just text", nil)
	require.NoError(t, err)
	assert.Equal(t, "just text", expanded)
}

func TestPlaceholders(t *testing.T) {
	names := Placeholders("$a and ${b} and $a again, $$ ignored")
	assert.Equal(t, []string{"a", "b"}, names)
}
