package combine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConcatenator_CombineInOrder(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "segment_1.ts", "AAA")
	b := writeFile(t, dir, "segment_2.ts", "BBB")
	out := filepath.Join(dir, "output.ts")

	c := Concatenator{}
	require.NoError(t, c.Combine([]string{a, b}, dir, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "AAABBB", string(data))

	_, err = os.Stat(a)
	assert.NoError(t, err, "segments are not deleted unless DeleteSegments is set")
}

func TestConcatenator_DeleteSegments(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "segment_1.ts", "AAA")
	out := filepath.Join(dir, "output.ts")

	c := Concatenator{DeleteSegments: true}
	require.NoError(t, c.Combine([]string{a}, dir, out))

	_, err := os.Stat(a)
	assert.True(t, os.IsNotExist(err))
}

func TestConcatenator_MissingSegmentFails(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "output.ts")

	c := Concatenator{}
	err := c.Combine([]string{filepath.Join(dir, "nope.ts")}, dir, out)
	assert.Error(t, err)
}

func TestConcatenator_NoSegmentsFails(t *testing.T) {
	dir := t.TempDir()
	c := Concatenator{}
	err := c.Combine(nil, dir, filepath.Join(dir, "output.ts"))
	assert.Error(t, err)
}
