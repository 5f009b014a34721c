package kvmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	w := NewWriter().
		WriteString("hostname", "blah.example.com").
		WriteError("problem", "User Rejected").
		WriteInt32("clientPort", -1).
		WriteInt64("t1", 1700000000123).
		WriteBool("allow", true).
		WriteBool("deny", false)

	r, err := Parse(w.Encode())
	require.NoError(t, err)

	s, err := r.String("hostname")
	require.NoError(t, err)
	assert.Equal(t, "blah.example.com", s)

	e, err := r.Error("problem")
	require.NoError(t, err)
	assert.Equal(t, "User Rejected", e)

	i, err := r.Int32("clientPort")
	require.NoError(t, err)
	assert.Equal(t, int32(-1), i)

	l, err := r.Int64("t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), l)

	b, err := r.Bool("allow")
	require.NoError(t, err)
	assert.True(t, b)

	b, err = r.Bool("deny")
	require.NoError(t, err)
	assert.False(t, b)
}

func TestBoolDecodeAcceptsSynonyms(t *testing.T) {
	for _, tok := range []string{"1", "true", "TRUE", "True", "yes", "YES"} {
		r, err := Parse([]byte("k=B:" + tok))
		require.NoError(t, err)
		b, err := r.Bool("k")
		require.NoError(t, err)
		assert.Truef(t, b, "token %q should decode true", tok)
	}
	for _, tok := range []string{"0", "false", "no", "garbage"} {
		r, err := Parse([]byte("k=B:" + tok))
		require.NoError(t, err)
		b, err := r.Bool("k")
		require.NoError(t, err)
		assert.Falsef(t, b, "token %q should decode false", tok)
	}
}

func TestMissingKeyFails(t *testing.T) {
	r, err := Parse([]byte("a=S:aGk="))
	require.NoError(t, err)
	_, err = r.String("b")
	assert.Error(t, err)
}

func TestWrongTypeFails(t *testing.T) {
	r, err := Parse([]byte("a=I:42"))
	require.NoError(t, err)
	_, err = r.String("a")
	assert.Error(t, err)
}

func TestMalformedBase64Fails(t *testing.T) {
	r, err := Parse([]byte("a=S:not-valid-base64!!"))
	require.NoError(t, err)
	_, err = r.String("a")
	assert.Error(t, err)
}

func TestParseFailsClosedOnMalformedPair(t *testing.T) {
	_, err := Parse([]byte("noequalsign"))
	assert.Error(t, err)

	_, err = Parse([]byte("a=missingcolon"))
	assert.Error(t, err)

	_, err = Parse([]byte("a=SS:oops"))
	assert.Error(t, err)
}

func TestEmptyBodyParsesToEmptyReader(t *testing.T) {
	r, err := Parse(nil)
	require.NoError(t, err)
	assert.False(t, r.Has("anything"))
}

func TestOrderNotSignificantOnRead(t *testing.T) {
	w1 := NewWriter().WriteInt32("a", 1).WriteInt32("b", 2)
	w2 := NewWriter().WriteInt32("b", 2).WriteInt32("a", 1)

	r1, err := Parse(w1.Encode())
	require.NoError(t, err)
	r2, err := Parse(w2.Encode())
	require.NoError(t, err)

	a1, _ := r1.Int32("a")
	a2, _ := r2.Int32("a")
	assert.Equal(t, a1, a2)
}
