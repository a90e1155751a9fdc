package logutils

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureLevelAndFormat(t *testing.T) {
	defer func() {
		Log.SetLevel(logrus.WarnLevel)
		Log.SetFormatter(textFormatter())
		Log.SetOutput(logrus.StandardLogger().Out)
	}()

	require.NoError(t, Configure("debug", "json"))
	assert.Equal(t, logrus.DebugLevel, Log.GetLevel())

	var buf bytes.Buffer
	SetOutput(&buf)
	Log.WithFields(Fields{"job_id": "42"}).Info("diagnosed")
	assert.Contains(t, buf.String(), `"job_id":"42"`)
}

func TestConfigureRejectsUnknownValues(t *testing.T) {
	assert.Error(t, Configure("chatty", "text"))
	assert.Error(t, Configure("info", "xml"))
}
