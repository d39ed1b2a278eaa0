package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type liveEnvelope struct {
	Type   string           `json:"type"`
	ID     string           `json:"id"`
	Stream string           `json:"stream"`
	Result *apperror.Result `json:"result"`
	Data   json.RawMessage  `json:"data"`
	Error  string           `json:"error"`
}

func dialLive(t *testing.T, server testServer, token string) *websocket.Conn {
	t.Helper()
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	target := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/live"
	if token != "" {
		target += "?access_token=" + token
	}
	conn, response, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads messages until match accepts one or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(liveEnvelope) bool) liveEnvelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var envelope liveEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			t.Fatalf("live read failed before expected message: %v", err)
		}
		if match(envelope) {
			return envelope
		}
	}
}

func sendCommand(t *testing.T, conn *websocket.Conn, id, op string, args interface{}) {
	t.Helper()
	payload := map[string]interface{}{"id": id, "op": op}
	if args != nil {
		payload["args"] = args
	}
	require.NoError(t, conn.WriteJSON(payload))
}

func replyTo(id string) func(liveEnvelope) bool {
	return func(envelope liveEnvelope) bool {
		return envelope.Type == messageReply && envelope.ID == id
	}
}

func TestLiveCreateSnippetPushesSnapshot(t *testing.T) {
	server := newTestServer(t)
	user, token := server.signUp(t, "live@example.com", "Live User")
	conn := dialLive(t, server, token)

	identitySnapshot := readUntil(t, conn, func(envelope liveEnvelope) bool {
		return envelope.Type == messageSnapshot && envelope.Stream == streamIdentity && strings.Contains(string(envelope.Data), user.ID)
	})
	require.Equal(t, streamIdentity, identitySnapshot.Stream)

	sendCommand(t, conn, "create-1", "snippets.create", snippets.Draft{
		Title:    "Quick sort",
		Code:     "func sort() {}",
		Language: "go",
		Tags:     []string{"algorithms"},
	})
	var created snippets.Snippet
	sawSnapshot := false
	readUntil(t, conn, func(envelope liveEnvelope) bool {
		switch {
		case envelope.Type == messageReply && envelope.ID == "create-1":
			require.NotNil(t, envelope.Result)
			require.True(t, envelope.Result.Success, envelope.Result.Error)
			require.NoError(t, json.Unmarshal(envelope.Data, &created))
		case envelope.Type == messageSnapshot && envelope.Stream == streamSnippets:
			var list []snippets.Snippet
			if err := json.Unmarshal(envelope.Data, &list); err == nil {
				for _, snippet := range list {
					if snippet.Title == "Quick sort" {
						sawSnapshot = true
					}
				}
			}
		}
		return created.ID != "" && sawSnapshot
	})
	require.Equal(t, user.ID, created.OwnerID)
}

func TestLiveCommandsRequireSignIn(t *testing.T) {
	server := newTestServer(t)
	conn := dialLive(t, server, "")

	sendCommand(t, conn, "create-anon", "snippets.create", snippets.Draft{
		Title: "Anon", Code: "x", Language: "go",
	})
	reply := readUntil(t, conn, replyTo("create-anon"))
	require.NotNil(t, reply.Result)
	require.False(t, reply.Result.Success)
	require.Equal(t, apperror.KindUnauthenticated, reply.Result.Kind)
}

func TestLiveSignInOverChannel(t *testing.T) {
	server := newTestServer(t)
	user, _ := server.signUp(t, "channel@example.com", "Channel User")
	conn := dialLive(t, server, "")

	sendCommand(t, conn, "signin-1", "auth.signIn", map[string]string{
		"email": "channel@example.com", "password": "secret-password",
	})
	replied, restored := false, false
	readUntil(t, conn, func(envelope liveEnvelope) bool {
		switch {
		case envelope.Type == messageReply && envelope.ID == "signin-1":
			require.NotNil(t, envelope.Result)
			require.True(t, envelope.Result.Success, envelope.Result.Error)
			require.Contains(t, string(envelope.Data), "accessToken")
			replied = true
		case envelope.Type == messageSnapshot && envelope.Stream == streamIdentity:
			restored = restored || strings.Contains(string(envelope.Data), user.ID)
		}
		return replied && restored
	})
}

func TestLiveUnknownAndMalformedCommands(t *testing.T) {
	server := newTestServer(t)
	conn := dialLive(t, server, "")

	sendCommand(t, conn, "bogus-1", "snippets.explode", nil)
	reply := readUntil(t, conn, replyTo("bogus-1"))
	require.NotNil(t, reply.Result)
	require.Equal(t, liveUnknownCommandMsg, reply.Result.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	malformed := readUntil(t, conn, func(envelope liveEnvelope) bool {
		return envelope.Type == messageReply && envelope.Result != nil && envelope.Result.Error == liveMalformedMsg
	})
	require.False(t, malformed.Result.Success)
}

func TestLiveRejectsInvalidToken(t *testing.T) {
	server := newTestServer(t)
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	target := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/live?access_token=garbage"
	_, response, err := websocket.DefaultDialer.Dial(target, nil)
	require.Error(t, err)
	require.NotNil(t, response)
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)
}
