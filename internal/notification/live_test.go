package notification

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nao1215/learnhub/internal/broadcast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseEvent はServer-Sent Eventsの1イベント。
type sseEvent struct {
	name string
	data string
}

// readSSE は次のイベントを読み取る。ハートビートは読み飛ばさない。
func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

// readSSEUntil は指定した名前のイベントが来るまで読み進める。
func readSSEUntil(t *testing.T, r *bufio.Reader, name string) sseEvent {
	t.Helper()
	for iter := 0; iter < 50; iter++ {
		ev := readSSE(t, r)
		if ev.name == name {
			return ev
		}
	}
	t.Fatalf("イベント %s が届かない", name)
	return sseEvent{}
}

func TestStream_DeliversCreatedAndReadHints(t *testing.T) {
	t.Parallel()
	s, hub := setupTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/v1/notifications/stream?access_token="+tokenFor(t, "user-1"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	r := bufio.NewReader(resp.Body)
	first := readSSE(t, r)
	assert.Equal(t, string(kindSync), first.name)

	n := sendTestNotification(t, s, "user-1", "採点完了")
	created := readSSEUntil(t, r, string(broadcast.KindCreated))
	var msg broadcast.Message
	require.NoError(t, json.Unmarshal([]byte(created.data), &msg))
	assert.Equal(t, n.ID, msg.ID)

	var pushed Response
	require.NoError(t, json.Unmarshal(msg.Data, &pushed))
	assert.Equal(t, n, pushed)

	w := doRequest(s.Handler(), http.MethodPatch, "/api/v1/notifications/"+n.ID+"/read", tokenFor(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	read := readSSEUntil(t, r, string(broadcast.KindRead))
	require.NoError(t, json.Unmarshal([]byte(read.data), &msg))
	assert.Equal(t, n.ID, msg.ID)

	// 切断すると購読が解放される
	cancel()
	assert.Eventually(t, func() bool {
		return hub.Stats().Subscribers == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStream_SendsHeartbeat(t *testing.T) {
	t.Parallel()
	s, _ := setupTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/v1/notifications/stream?access_token="+tokenFor(t, "user-1"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	readSSEUntil(t, r, string(broadcast.KindHeartbeat))
}

func TestStream_RequiresToken(t *testing.T) {
	t.Parallel()
	s, _ := setupTestServer(t)

	w := doRequest(s.Handler(), http.MethodGet, "/api/v1/notifications/stream", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// dialWS はテストサーバーのライブチャネルにWebSocketで接続する。
func dialWS(t *testing.T, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/notifications/ws?access_token=" + tokenFor(t, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn
}

// readWS は次のメッセージを読み取る。ハートビートは読み飛ばす。
func readWS(t *testing.T, conn *websocket.Conn) broadcast.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg broadcast.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Kind != broadcast.KindHeartbeat {
			return msg
		}
	}
}

func TestWebSocket_DeliversToEverySession(t *testing.T) {
	t.Parallel()
	s, hub := setupTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	first := dialWS(t, ts, "user-1")
	second := dialWS(t, ts, "user-1")
	other := dialWS(t, ts, "user-2")
	defer other.Close()

	for _, conn := range []*websocket.Conn{first, second, other} {
		assert.Equal(t, kindSync, readWS(t, conn).Kind)
	}

	n := sendTestNotification(t, s, "user-1", "お知らせ")
	for _, conn := range []*websocket.Conn{first, second} {
		msg := readWS(t, conn)
		assert.Equal(t, broadcast.KindCreated, msg.Kind)
		assert.Equal(t, n.ID, msg.ID)
	}

	w := doRequest(s.Handler(), http.MethodPatch, "/api/v1/notifications/read-all", tokenFor(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, broadcast.KindReadAll, readWS(t, first).Kind)

	// 1つのセッションを閉じても他のセッションには届く
	require.NoError(t, second.Close())
	assert.Eventually(t, func() bool {
		return hub.Stats().Subscribers == 2
	}, 2*time.Second, 10*time.Millisecond)

	n2 := sendTestNotification(t, s, "user-1", "2件目")
	assert.Equal(t, n2.ID, readWS(t, first).ID)
	require.NoError(t, first.Close())
}
