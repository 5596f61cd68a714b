package protocol

import "testing"

import "github.com/stretchr/testify/require"

func TestBuildParseRoundTrip(t *testing.T) {
	raw, err := Build(NewTx, "127.0.0.1", "9000", `{"foo":"bar"}`)
	require.NoError(t, err)

	res, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, ResultOK, res.Result)
	require.Equal(t, OKWithPayload, res.Reason)
	require.Equal(t, NewTx, res.MsgType)
	require.Equal(t, "127.0.0.1", res.IP)
	require.Equal(t, "9000", res.Port)
	require.Equal(t, `{"foo":"bar"}`, res.Payload)
}

func TestParseWithoutPayload(t *testing.T) {
	raw, err := Build(Ping, "127.0.0.1", "9000", "")
	require.NoError(t, err)

	res, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, OKWithoutPayload, res.Reason)
	require.Equal(t, "", res.Payload)
}

func TestParseProtocolMismatch(t *testing.T) {
	res, err := Parse(`{"protocol":"other","version":"0.1.0","msg_type":0,"ip":"","port":"","payload":""}`)
	require.NoError(t, err)
	require.Equal(t, ResultError, res.Result)
	require.Equal(t, ErrProtocolUnmatch, res.Reason)
}

func TestParseVersionMismatch(t *testing.T) {
	raw := `{"protocol":"` + ProtocolName + `","version":"9.9.9","msg_type":0,"ip":"","port":"","payload":""}`
	res, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, ResultError, res.Result)
	require.Equal(t, ErrVersionUnmatch, res.Reason)
}

func TestParseMalformedPayload(t *testing.T) {
	_, err := Parse(`not json`)
	require.Error(t, err)
}

func TestClassifyMsg(t *testing.T) {
	require.True(t, ClassifyMsg(Add))
	require.True(t, ClassifyMsg(RemoveEdge))
	require.False(t, ClassifyMsg(NewTx))
	require.False(t, ClassifyMsg(SendAllPeer))
}
