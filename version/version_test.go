package version

import (
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSettingsFillUnsetFields(t *testing.T) {
	info := Info{CommitHash: "dev", BuildTime: "unknown", Version: "dev"}
	info.fromBuildSettings([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "4f1c2a9e0b7d"},
		{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	})

	assert.Equal(t, "4f1c2a9", info.Short())
	assert.Equal(t, "2026-10-01T12:00:00Z", info.BuildTime)
	assert.Equal(t, "nodereg dev (commit 4f1c2a9-dirty, built 2026-10-01T12:00:00Z)", info.String())
}

func TestLdflagsWinOverBuildSettings(t *testing.T) {
	info := Info{CommitHash: "abc1234", BuildTime: "yesterday", Version: "v1.2.0"}
	info.fromBuildSettings([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "ffffffffffff"},
		{Key: "vcs.time", Value: "today"},
	})

	assert.Equal(t, "abc1234", info.CommitHash)
	assert.Equal(t, "nodereg v1.2.0 (commit abc1234, built yesterday)", info.String())
}

func TestGetReportsPlatform(t *testing.T) {
	info := Get()
	assert.True(t, strings.Contains(info.Platform, "/"))
	assert.NotEmpty(t, info.GoVersion)
}
