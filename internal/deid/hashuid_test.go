package deid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashUIDKeepsPrefixAndShape(t *testing.T) {
	uid := "1.2.124.113532.10.122.1.203.20051130.122937.2950157"
	salt := []byte("test_salt")

	got := HashUID(uid, salt)

	origSegs := strings.Split(uid, ".")
	gotSegs := strings.Split(got, ".")
	require.Len(t, gotSegs, len(origSegs))
	assert.Equal(t, origSegs[:4], gotSegs[:4])
	for i := 4; i < len(gotSegs); i++ {
		assert.Len(t, gotSegs[i], len(origSegs[i]), "segment %d", i)
		assert.NotEqual(t, origSegs[i], gotSegs[i], "segment %d", i)
		for _, r := range gotSegs[i] {
			assert.True(t, r >= '0' && r <= '9', "segment %d not numeric: %q", i, gotSegs[i])
		}
	}
	assert.LessOrEqual(t, len(got), 64)
}

func TestHashUIDDeterministic(t *testing.T) {
	uid := "1.2.840.10008.1.2.3.4"
	assert.Equal(t, HashUID(uid, []byte("salt")), HashUID(uid, []byte("salt")))
	assert.NotEqual(t, HashUID(uid, []byte("salt")), HashUID(uid, []byte("other")))
}

func TestHashUIDNoLeadingZeroInMultiDigitSegments(t *testing.T) {
	uid := "1.2.840.10008.123456789"
	for _, salt := range []string{"a", "b", "c", "d", "e"} {
		got := HashUID(uid, []byte(salt))
		last := got[strings.LastIndexByte(got, '.')+1:]
		if len(last) > 1 {
			assert.NotEqual(t, byte('0'), last[0], "salt %s: %s", salt, got)
		}
	}
}

func TestBoundAge(t *testing.T) {
	cases := map[string]string{
		"005Y": "018Y",
		"018Y": "018Y",
		"045Y": "045Y",
		"089Y": "089Y",
		"090Y": "089Y",
		"006M": "018Y",
		"021D": "018Y",
		"bad":  "018Y",
	}
	for in, want := range cases {
		assert.Equal(t, want, BoundAge(in), "input %s", in)
	}
}
