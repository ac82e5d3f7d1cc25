package auth

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/authgate/internal/testutil/fixtures"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{in: "Bearer abc", want: "abc", wantOK: true},
		{in: "bEaReR abc ", want: "abc", wantOK: true},
		{in: "Bearer", wantOK: false},
		{in: "Bearer ", wantOK: false},
		{in: "Basic abc", wantOK: false},
		{in: "", wantOK: false},
	}
	for _, tc := range tests {
		got, ok := ExtractBearerToken(tc.in)
		assert.Equal(t, tc.wantOK, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestEncodeDecodeResources(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "[]", encodeResources(nil))
	assert.Equal(t, `["a","b"]`, encodeResources([]string{"a", "b"}))

	got, err := decodeResources(`["b","a"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	_, err = decodeResources(`[1,2]`)
	assert.Error(t, err)
	_, err = decodeResources(`["` + strings.Repeat("x", MaxHeaderValueSize) + `"]`)
	assert.Error(t, err)
}

func TestValidCorrelationID(t *testing.T) {
	t.Parallel()
	assert.True(t, validCorrelationID("0f8fad5b-d9cb-469f-a165-70867728950e"))
	assert.False(t, validCorrelationID(""))
	assert.False(t, validCorrelationID("has space"))
	assert.False(t, validCorrelationID("line\nbreak"))
	assert.False(t, validCorrelationID(strings.Repeat("a", maxCorrelationIDLength+1)))
}

func TestStripIdentityHeaders(t *testing.T) {
	t.Parallel()
	h := make(http.Header)
	h.Set(HeaderIdentityEmail, "spoofed@example.com")
	h.Set(HeaderIdentityResources, `["x"]`)
	h.Set(HeaderCorrelationID, "abc")
	h.Set("Accept", "application/json")

	StripIdentityHeaders(h)
	assert.Equal(t, http.Header{"Accept": {"application/json"}}, h)
}

func TestRequestIdentity_Headers(t *testing.T) {
	t.Parallel()
	id := &RequestIdentity{
		Identity:      VerifiedIdentity{Subject: fixtures.Subject, Email: fixtures.Email},
		Grant:         ResourceGrant{Resources: []string{fixtures.ResourceA, fixtures.ResourceB}},
		CorrelationID: "corr-1",
		Mode:          ModeStandalone,
	}

	h := id.Headers()
	assert.Len(t, h, 3, "exactly the three propagation headers")
	assert.Equal(t, fixtures.Email, h.Get(HeaderIdentityEmail))
	assert.Equal(t, "corr-1", h.Get(HeaderCorrelationID))

	var resources []string
	require.NoError(t, json.Unmarshal([]byte(h.Get(HeaderIdentityResources)), &resources))
	assert.ElementsMatch(t, []string{fixtures.ResourceA, fixtures.ResourceB}, resources)
	assert.Equal(t, id.Grant.Resources, id.Resources())
}

func TestRequestIdentity_HeadersWithoutResources(t *testing.T) {
	t.Parallel()
	id := &RequestIdentity{Identity: VerifiedIdentity{Email: fixtures.Email}, CorrelationID: "c"}
	assert.Equal(t, "[]", id.Headers().Get(HeaderIdentityResources))
}
