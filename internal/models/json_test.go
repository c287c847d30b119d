package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONScanAcceptsNumbers(t *testing.T) {
	var j JSON
	require.NoError(t, j.Scan(int64(500)))
	require.Equal(t, "500", j.String())

	require.NoError(t, j.Scan(2.5))
	require.Equal(t, "2.5", j.String())

	require.NoError(t, j.Scan([]byte(`{"a":1}`)))
	require.Equal(t, `{"a":1}`, j.String())

	require.NoError(t, j.Scan(`true`))
	require.Equal(t, "true", j.String())
}
