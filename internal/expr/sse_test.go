package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLastSSEEventData_completeStream(t *testing.T) {
	body := "event: message\ndata: {\"usage\":{\"total_tokens\":1}}\n\n" +
		"event: message\ndata: {\"usage\":{\"total_tokens\":24}}\n\n"
	data, ok := LastSSEEventData([]byte(body))
	require.True(t, ok)
	require.JSONEq(t, `{"usage":{"total_tokens":24}}`, string(data))
}

func TestLastSSEEventData_trailingIncompleteEventIgnored(t *testing.T) {
	body := "data: {\"total_tokens\":24}\n\n" + "data: {\"total_tokens\":999"
	data, ok := LastSSEEventData([]byte(body))
	require.True(t, ok)
	require.JSONEq(t, `{"total_tokens":24}`, string(data))
}

func TestLastSSEEventData_multilineData(t *testing.T) {
	body := "data: {\"a\":1,\ndata: \"b\":2}\n\n"
	data, ok := LastSSEEventData([]byte(body))
	require.True(t, ok)
	require.JSONEq(t, `{"a":1,"b":2}`, string(data))
}

func TestLastSSEEventData_noData(t *testing.T) {
	_, ok := LastSSEEventData([]byte("event: ping\n\n"))
	require.False(t, ok)
}

func TestLastSSEEventData_crlf(t *testing.T) {
	body := "data: {\"x\":1}\r\n\r\n"
	data, ok := LastSSEEventData([]byte(body))
	require.True(t, ok)
	require.JSONEq(t, `{"x":1}`, string(data))
}
