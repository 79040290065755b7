package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterSinkWritesOneEventPerLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)

	err := sink.WriteEvents(context.Background(), []Event{
		{Type: EventQuoteCreated, Wallet: "abc"},
		{Type: EventSubmitSuccess, Wallet: "def"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, EventQuoteCreated, first.Type)
}
