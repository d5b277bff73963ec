package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestMergeFielders(t *testing.T) {
	merged := mergeFielders(
		nil,
		Fields{"a": 1},
		Fields{"a": 2, "b": 3},
	)
	require.Equal(t, logrus.Fields{"a": 1, "2.a": 2, "2.b": 3}, merged)
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	Configure("json", false)
	defer Configure("text", false)

	Debug("hidden")
	require.Zero(t, buf.Len())

	Info("announce", Fields{"peerID": "p1"}, Err(errors.New("boom")))

	var line map[string]interface{}
	require.Nil(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "announce", line["msg"])
	require.Equal(t, "p1", line["peerID"])
	require.Equal(t, "boom", line["1.error"])
}

func TestDebugToggle(t *testing.T) {
	SetDebug(true)
	require.True(t, DebugEnabled())
	SetDebug(false)
	require.False(t, DebugEnabled())
}
