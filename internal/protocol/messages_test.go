package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(MsgOutput, OutputPayload{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, MsgOutput, env.Type)
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.Timestamp.IsZero())

	var out OutputPayload
	require.NoError(t, env.Decode(&out))
	assert.Equal(t, "hello", out.Text)
}

func TestNewReply(t *testing.T) {
	call, err := NewEnvelope(MsgCall, CallPayload{Name: "re.findAll"})
	require.NoError(t, err)

	reply, err := NewReply(MsgReturn, call.ID, ReturnPayload{Value: json.RawMessage(`["a"]`)})
	require.NoError(t, err)
	assert.Equal(t, call.ID, reply.ReplyTo)
	assert.NotEqual(t, call.ID, reply.ID)
}

func TestExecRequest_OutputsNullVersusEmpty(t *testing.T) {
	data, err := json.Marshal(ExecRequest{Code: "1"})
	require.NoError(t, err)

	var unrestricted ExecRequest
	require.NoError(t, json.Unmarshal(data, &unrestricted))
	assert.Nil(t, unrestricted.Outputs)

	data, err = json.Marshal(ExecRequest{Code: "1", Outputs: []string{}})
	require.NoError(t, err)

	var restricted ExecRequest
	require.NoError(t, json.Unmarshal(data, &restricted))
	assert.NotNil(t, restricted.Outputs)
	assert.Empty(t, restricted.Outputs)
}

func TestEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope(MsgDone, nil)
	require.NoError(t, err)
	assert.Nil(t, env.Payload)
}
