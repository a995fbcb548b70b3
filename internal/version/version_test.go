package version

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_DefaultValues(t *testing.T) {
	info := Get()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, GitCommit, info.GitCommit)
	assert.Equal(t, BuildDate, info.BuildDate)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestGet_RuntimeFields(t *testing.T) {
	info := Get()

	assert.True(t, strings.HasPrefix(info.GoVersion, "go"))
	assert.Contains(t, info.Platform, "/")
}

func TestInfo_JSONRoundtrip(t *testing.T) {
	info := Get()

	data, err := json.Marshal(info)
	require.NoError(t, err)

	var decoded Info
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	assert.Equal(t, info, decoded)
}

func TestShort_ContainsVersion(t *testing.T) {
	s := Short()
	assert.Contains(t, s, Version)
	assert.Contains(t, s, GitCommit)
}

func TestString_MultiLine(t *testing.T) {
	out := Get().String()
	assert.True(t, strings.Contains(out, "\n"))
	assert.Contains(t, out, "Go Version:")
}

func TestJSON_IsValid(t *testing.T) {
	var decoded Info
	require.NoError(t, json.Unmarshal([]byte(Get().JSON()), &decoded))
	assert.Equal(t, Version, decoded.Version)
}
