package logging

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatter_IncludesTimestampLevelAndMessage(t *testing.T) {
	f := &Formatter{}
	entry := &log.Entry{Logger: log.New(), Level: log.InfoLevel, Message: "pool ready"}
	out, err := f.Format(entry)
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "[info ]")
	assert.Contains(t, s, "pool ready")
	assert.Contains(t, s, "--------") // no request_id set
}

func TestFormatter_UsesRequestIDWhenPresent(t *testing.T) {
	f := &Formatter{}
	entry := &log.Entry{Logger: log.New(), Level: log.WarnLevel, Message: "fallback", Data: log.Fields{"request_id": "corr-1"}}
	out, err := f.Format(entry)
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "corr-1")
	assert.Contains(t, s, "[warn ]")
}

func TestFormatter_AppendsExtraFieldsAfterPipe(t *testing.T) {
	f := &Formatter{}
	entry := &log.Entry{Logger: log.New(), Level: log.ErrorLevel, Message: "load failed", Data: log.Fields{"name": "tiny"}}
	out, err := f.Format(entry)
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "| name=tiny")
}

func TestFormatter_ColorWrapsLevelWhenEnabled(t *testing.T) {
	f := &Formatter{Color: true}
	entry := &log.Entry{Logger: log.New(), Level: log.ErrorLevel, Message: "boom"}
	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Contains(t, string(out), "\x1b[31m")
}

func TestWithRequestID_TagsFieldUnderExpectedKey(t *testing.T) {
	entry := WithRequestID("corr-2")
	assert.Equal(t, "corr-2", entry.Data["request_id"])
}

func TestConfigureOutput_SwitchesToFileThenBackToStdout(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ConfigureOutput(true, dir))
	log.StandardLogger().Info("warming the file up")
	assert.FileExists(t, filepath.Join(dir, "cortexd.log"))

	require.NoError(t, ConfigureOutput(false, ""))
	assert.Equal(t, os.Stdout, log.StandardLogger().Out)
}
