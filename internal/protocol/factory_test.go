package protocol

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_SequenceMonotonic(t *testing.T) {
	for _, role := range []Role{RoleClient, RoleServer} {
		t.Run(string(role), func(t *testing.T) {
			f := NewFactory(role)
			var last uint64
			for i := 0; i < 1000; i++ {
				cmd := f.Request(CmdRequestWidgetInfo, "")
				require.NotZero(t, cmd.Sequence)
				require.Greater(t, cmd.Sequence, last)
				last = cmd.Sequence
			}
		})
	}
}

func TestFactory_RoleParity(t *testing.T) {
	client := NewFactory(RoleClient)
	server := NewFactory(RoleServer)

	for i := 0; i < 10; i++ {
		assert.Equal(t, uint64(1), client.NextSequence()%2, "client sequences are odd")
		assert.Equal(t, uint64(0), server.NextSequence()%2, "server sequences are even")
	}
}

func TestFactory_ConcurrentNeverReuses(t *testing.T) {
	f := NewFactory(RoleServer)
	const workers, per = 8, 500

	var mu sync.Mutex
	seen := make(map[uint64]struct{}, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				seq := f.NextSequence()
				mu.Lock()
				seen[seq] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*per)
	_, zero := seen[0]
	assert.False(t, zero, "sequence 0 is reserved for notifications")
}

func TestFactory_NotificationAndReply(t *testing.T) {
	f := NewFactory(RoleClient)

	n := f.Notification(CmdInspectFinished, "")
	assert.True(t, n.IsNotification())

	req := Command{ID: CmdRequestChildrenInfo, Sequence: 42}
	reply := f.Reply(req, CmdChildrenInfo, "{}")
	assert.Equal(t, uint64(42), reply.Sequence)
	assert.Equal(t, CmdChildrenInfo, reply.ID)

	assert.Equal(t, []CommandID{CmdWidgetInfo, CmdRequestError}, ReplyKinds(CmdRequestWidgetInfo))
	assert.Equal(t, []CommandID{CmdExecCodeResult, CmdExecCodeError}, ReplyKinds(CmdExecCode))
	assert.Empty(t, ReplyKinds(CmdSelectWidget))

	failed := f.Reply(req, CmdRequestError, "unknown object id: 9")
	assert.Equal(t, CmdRequestError, failed.ID)
	assert.Equal(t, "REQUEST_ERROR", failed.ID.String())
}

func TestFactory_TypedBuilders(t *testing.T) {
	f := NewFactory(RoleServer)

	hl, err := f.SetWidgetHighlight(77, true)
	require.NoError(t, err)
	assert.Equal(t, CmdSetWidgetHighlight, hl.ID)
	var hr HighlightRequest
	require.NoError(t, DecodeJSON(hl, &hr))
	assert.Equal(t, HighlightRequest{ID: 77, IsHighlight: true}, hr)

	req, err := f.RequestWidgetInfo(5, map[string]any{"focus": true})
	require.NoError(t, err)
	var ir InfoRequest
	require.NoError(t, DecodeJSON(req, &ir))
	assert.Equal(t, ObjectID(5), ir.ID)
	assert.Equal(t, true, ir.Extra["focus"])

	enable, err := f.EnableInspect(nil)
	require.NoError(t, err)
	assert.Empty(t, enable.Payload)

	enable, err = f.EnableInspect(&InspectOptions{MockRightClickAsLeftClick: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"mock_right_click_as_left_click":true}`, enable.Payload)

	patch := f.QtPatchSuccess(4242)
	assert.Equal(t, "4242", patch.Payload)

	info, err := f.WidgetInfo(WidgetInfo{ClassName: "QLabel", ID: 9, Size: [2]int{10, 20}})
	require.NoError(t, err)
	var wi WidgetInfo
	require.NoError(t, DecodeJSON(info, &wi))
	assert.Equal(t, "QLabel", wi.ClassName)
	assert.Equal(t, [2]int{10, 20}, wi.Size)
}

func TestDecodeJSON_EmptyPayload(t *testing.T) {
	ref := ObjectRef{ID: 3}
	require.NoError(t, DecodeJSON(Command{ID: CmdInspectFinished}, &ref))
	assert.Equal(t, ObjectID(3), ref.ID)

	err := DecodeJSON(Command{ID: CmdSelectWidget, Payload: "{"}, &ref)
	assert.Error(t, err)
}
