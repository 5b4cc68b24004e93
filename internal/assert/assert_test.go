package assert

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotNil(t *testing.T) {
	var file *struct{}
	var reader io.Reader

	require.PanicsWithValue(t, "expected reader to be not nil", func() { NotNil(reader, "reader") })
	require.PanicsWithValue(t, "expected file to be not nil", func() { NotNil(file, "file") })
	require.Panics(t, func() { NotNil(map[string]int(nil), "entries") })

	require.NotPanics(t, func() { NotNil(&struct{}{}, "value") })
	require.NotPanics(t, func() { NotNil(0, "zero") })
	require.NotPanics(t, func() { NotNil(struct{}{}, "empty struct") })
}
