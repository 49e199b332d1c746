package protocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/archipelago-go/archipelago/internal/job"
)

func TestEncodeDecode_Messages(t *testing.T) {
	sent := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		msg  Message
	}{
		{name: "getid", msg: GetID{}},
		{name: "id", msg: ID{NodeID: 42}},
		{name: "getuser", msg: GetUser{}},
		{name: "user", msg: User{Name: "fiji"}},
		{name: "getexecroot", msg: GetExecRoot{}},
		{name: "setexecroot", msg: SetExecRoot{Path: "/opt/fiji"}},
		{name: "getfileroot", msg: GetFileRoot{}},
		{name: "setfileroot", msg: SetFileRoot{Path: "/data"}},
		{name: "getnumthreads", msg: GetNumThreads{}},
		{name: "numthreads", msg: NumThreads{N: 12}},
		{name: "cancel", msg: Cancel{JobID: "abc"}},
		{name: "ping", msg: Ping{}},
		{name: "beat", msg: Beat{RAMAvailableMB: 100, RAMTotalMB: 200, RAMMaxMB: 150, SentAt: sent}},
		{name: "halt", msg: Halt{}},
		{name: "error", msg: Error{Message: "disk full"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(b)
			require.NoError(t, err)
			require.Equal(t, tt.msg, got)
			require.Equal(t, Command(tt.name), got.Command())
		})
	}
}

func TestEncode_CommandsWithoutPayloadOmitIt(t *testing.T) {
	b, err := Encode(Halt{})
	require.NoError(t, err)
	require.JSONEq(t, `{"command":"halt"}`, string(b))
}

func TestEncodeDecode_ProcessCarriesJob(t *testing.T) {
	j, err := job.New("echo", map[string]string{"msg": "hi"}, job.WithCores(2))
	require.NoError(t, err)

	b, err := Encode(Process{Job: j})
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)

	p, ok := got.(Process)
	require.True(t, ok)
	require.Equal(t, j.ID(), p.Job.ID())
	require.Equal(t, "echo", p.Job.Task())
	require.Equal(t, 2, p.Job.RequestedCores(8))
	require.JSONEq(t, `{"msg":"hi"}`, string(p.Job.Args()))
}

func TestEncodeDecode_ProcessResponseHasNoPayload(t *testing.T) {
	r := job.NewRegistry()
	require.NoError(t, r.Register("echo", func(_ context.Context, _ job.Env, args json.RawMessage) (any, error) {
		return args, nil
	}))
	j, err := job.New("echo", "hello")
	require.NoError(t, err)
	j.Execute(context.Background(), job.Env{}, r)

	b, err := Encode(Process{Job: j})
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	p := got.(Process)
	require.False(t, p.Job.HasPayload())

	var out string
	require.NoError(t, p.Job.Decode(&out))
	require.Equal(t, "hello", out)
}

func TestDecode_UnknownCommand(t *testing.T) {
	got, err := Decode([]byte(`{"command":"reboot","payload":{"now":true}}`))
	require.NoError(t, err)
	require.Equal(t, Unknown{Name: "reboot"}, got)
}

func TestDecode_PayloadTypeMismatch(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "id with string", in: `{"command":"id","payload":{"node_id":"three"}}`},
		{name: "id without payload", in: `{"command":"id"}`},
		{name: "numthreads with list", in: `{"command":"numthreads","payload":[1,2]}`},
		{name: "process without job", in: `{"command":"process","payload":{}}`},
		{name: "process with null job", in: `{"command":"process","payload":{"job":null}}`},
		{name: "process with bad job", in: `{"command":"process","payload":{"job":{"task":"x"}}}`},
		{name: "cancel without id", in: `{"command":"cancel","payload":{}}`},
		{name: "user with number", in: `{"command":"user","payload":{"name":7}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			require.Error(t, err)
		})
	}
}

func TestDecode_TypedMismatchIsRecognizable(t *testing.T) {
	_, err := Decode([]byte(`{"command":"id","payload":{"node_id":"three"}}`))
	require.ErrorIs(t, err, ErrPayloadType)
}

func TestDecode_MalformedEnvelope(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestEncode_RejectsUnknown(t *testing.T) {
	_, err := Encode(Unknown{Name: "reboot"})
	require.ErrorIs(t, err, ErrUnknownCommand)
}
