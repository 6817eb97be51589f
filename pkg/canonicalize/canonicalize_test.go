package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"b": 1, "a": 2, "c": []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":["x"]}`, string(out))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(out))
}

func TestJCSRespectsStructTags(t *testing.T) {
	type rec struct {
		Zed   string `json:"zed"`
		Alpha int    `json:"alpha"`
	}
	out, err := JCS(rec{Zed: "z", Alpha: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":1,"zed":"z"}`, string(out))
}

func TestCanonicalHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"x": 1, "y": "two"})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"y": "two", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestFingerprint16(t *testing.T) {
	fp, err := Fingerprint16(map[string]string{"tenant": "t1"})
	require.NoError(t, err)
	assert.Len(t, fp, 16)

	full, err := CanonicalHash(map[string]string{"tenant": "t1"})
	require.NoError(t, err)
	assert.Equal(t, full[:16], fp)
}

func TestTransformRejectsInvalidJSON(t *testing.T) {
	_, err := Transform([]byte(`{"a":`))
	assert.Error(t, err)
}
