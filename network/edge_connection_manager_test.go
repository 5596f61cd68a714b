package network

import (
	"testing"

	"github.com/stretchr/testify/require"

	"blockchain-rs-go/protocol"
)

func TestEdgeConnectionManagerSendMsgFailsOverToAlternate(t *testing.T) {
	aliveIP, alivePort, received, closeFn := startStubListener(t)
	defer closeFn()

	ecm := NewEdgeConnectionManager("127.0.0.1", "6000", "127.0.0.1", "1")
	ecm.mu.Lock()
	ecm.coreSet[key(aliveIP, alivePort)] = true
	ecm.mu.Unlock()

	env, err := protocol.Build(protocol.NewTx, "127.0.0.1", "6000", "payload")
	require.NoError(t, err)

	err = ecm.SendMsg(env)
	require.NoError(t, err)

	line := <-received
	require.Equal(t, env+"\n", line)

	gotIP, gotPort := ecm.Upstream()
	require.Equal(t, aliveIP, gotIP)
	require.Equal(t, alivePort, gotPort)
}

func TestEdgeConnectionManagerHandleCoreList(t *testing.T) {
	ecm := NewEdgeConnectionManager("127.0.0.1", "6000", "10.0.0.1", "9000")
	payload := encodeCoreList([]string{"10.0.0.1:9000", "10.0.0.2:9000"})
	consumed := ecm.HandleMessage(protocol.ParseResult{MsgType: protocol.CoreList, Payload: payload})
	require.True(t, consumed)

	ecm.mu.Lock()
	_, ok := ecm.coreSet[key("10.0.0.2", "9000")]
	ecm.mu.Unlock()
	require.True(t, ok)
}
