package logger

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewLogger("warn", buf)
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())

	l.Info("hidden")
	l.WithField("peer", "10.0.0.1:6881").Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "peer=")
	assert.Contains(t, buf.String(), "shown")

	assert.Equal(t, logrus.InfoLevel, NewLogger("chatty", buf).GetLevel())
}
