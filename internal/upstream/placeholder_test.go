package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/SShadowS/mcp-router/internal/config"
)

func TestExpandArgs(t *testing.T) {
	params := []config.InputParam{
		{Name: "REPO", Default: "octocat/hello"},
		{Name: "BRANCH", Default: "main"},
	}
	env := map[string]string{"BRANCH": "develop"}

	args := ExpandArgs([]string{
		"--repo=${REPO}",
		"--branch={BRANCH}",
		"--path=${user_config.REPO}",
		"--literal",
	}, params, env)

	assert.Equal(t, []string{
		"--repo=octocat/hello",
		"--branch=develop", // env overlays the default
		"--path=octocat/hello",
		"--literal",
	}, args)
}

func TestExpandArgs_UnknownPlaceholdersPassThrough(t *testing.T) {
	args := ExpandArgs([]string{"${UNKNOWN}", "{ALSO_UNKNOWN}"}, nil, nil)
	assert.Equal(t, []string{"${UNKNOWN}", "{ALSO_UNKNOWN}"}, args)
}

func TestLogBuffer_TailAndWrap(t *testing.T) {
	buf := newLogBuffer()
	for i := 0; i < logBufferSize+10; i++ {
		buf.Append("line")
	}
	assert.Len(t, buf.Snapshot(), logBufferSize)
	assert.Len(t, buf.Tail(5), 5)
}
