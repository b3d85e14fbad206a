package docmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc() Doc {
	return Doc{
		"metadata": Doc{
			"job_id": "job-1",
			"org_id": "acme",
		},
		"spec": Doc{
			"status": Doc{
				"state": "created",
			},
			"required_artifacts": []any{
				Doc{"artifact_type": "report"},
			},
			"tags": []any{"a", "b", 3},
		},
	}
}

func TestGet(t *testing.T) {
	d := sampleDoc()

	v, ok := Get(d, "metadata.job_id")
	require.True(t, ok)
	assert.Equal(t, "job-1", v)

	_, ok = Get(d, "metadata.missing")
	assert.False(t, ok)

	_, ok = Get(d, "metadata.job_id.nested")
	assert.False(t, ok, "walking through a non-Doc value must fail, not panic")
}

func TestGetString(t *testing.T) {
	d := sampleDoc()
	assert.Equal(t, "acme", GetString(d, "metadata.org_id"))
	assert.Equal(t, "", GetString(d, "metadata.missing"))
}

func TestGetFloat(t *testing.T) {
	d := Doc{"spec": Doc{"iterations": float64(5)}}
	f, ok := GetFloat(d, "spec.iterations")
	require.True(t, ok)
	assert.Equal(t, float64(5), f)

	_, ok = GetFloat(d, "spec.missing")
	assert.False(t, ok)
}

func TestGetStringSlice(t *testing.T) {
	d := sampleDoc()
	got := GetStringSlice(d, "spec.tags")
	assert.Equal(t, []string{"a", "b"}, got, "non-string elements are dropped, never errored")
}

func TestSetCreatesIntermediateObjects(t *testing.T) {
	d := Doc{}
	Set(d, "spec.status.state", "running")
	assert.Equal(t, "running", GetString(d, "spec.status.state"))
}

func TestDeepCopyIsIndependent(t *testing.T) {
	original := sampleDoc()
	copied := DeepCopy(original)

	Set(copied, "spec.status.state", "failed")
	assert.Equal(t, "created", GetString(original, "spec.status.state"))
	assert.Equal(t, "failed", GetString(copied, "spec.status.state"))
}

func TestEqual(t *testing.T) {
	a := sampleDoc()
	b := DeepCopy(a)
	assert.True(t, Equal(a, b))

	Set(b, "spec.status.state", "failed")
	assert.False(t, Equal(a, b))
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a := Doc{"b": 1, "a": 2}
	b := Doc{"a": 2, "b": 1}

	ja, err := CanonicalJSON(a)
	require.NoError(t, err)
	jb, err := CanonicalJSON(b)
	require.NoError(t, err)
	assert.Equal(t, ja, jb)
	assert.Equal(t, `{"a":2,"b":1}`, ja)
}

func TestParseJSON(t *testing.T) {
	doc, err := ParseJSON([]byte(`{"kind":"JobContract"}`))
	require.NoError(t, err)
	assert.Equal(t, "JobContract", GetString(doc, "kind"))

	_, err = ParseJSON([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseRFC3339RejectsNaiveTimestamps(t *testing.T) {
	_, err := ParseRFC3339("2026-07-30T10:00:00")
	assert.Error(t, err, "a timestamp with no zone must fail closed")

	tm, err := ParseRFC3339("2026-07-30T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, tm.Year())

	tm, err = ParseRFC3339("2026-07-30T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, 8, tm.Hour(), "offset timestamps normalize to UTC")
}

func TestFormatRFC3339UsesZSuffix(t *testing.T) {
	tm, err := ParseRFC3339("2026-07-30T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "2026-07-30T10:00:00Z", FormatRFC3339(tm))
}

func TestIsExternalURIReference(t *testing.T) {
	assert.True(t, IsExternalURIReference("https://example.com/agent.yaml"))
	assert.False(t, IsExternalURIReference("file:///agents/role.yaml"))
	assert.False(t, IsExternalURIReference("./agents/role.yaml"))
}
