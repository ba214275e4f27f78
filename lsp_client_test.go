package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 用双管道模拟 ocamllsp 进程：测试侧扮演服务器
type fakeServer struct {
	in  *io.PipeWriter // 服务器 → 客户端
	out *bufio.Reader  // 客户端 → 服务器
}

func startTestClient(t *testing.T) (*LSPClient, *fakeServer) {
	t.Helper()

	toClientR, toClientW := io.Pipe()
	fromClientR, fromClientW := io.Pipe()

	c := &LSPClient{
		stdin:   fromClientW,
		stdout:  toClientR,
		pending: make(map[int]chan BaseResponse),
		isReady: true,
	}
	go c.readLoop()

	t.Cleanup(func() {
		fromClientW.Close()
		toClientW.Close()
	})

	return c, &fakeServer{in: toClientW, out: bufio.NewReader(fromClientR)}
}

// readFrame 按 Content-Length 帧协议读一条客户端发出的消息
func (s *fakeServer) readFrame(t *testing.T) map[string]interface{} {
	t.Helper()

	tp := textproto.NewReader(s.out)
	headers, err := tp.ReadMIMEHeader()
	require.NoError(t, err)

	var length int
	_, err = fmt.Sscanf(headers.Get("Content-Length"), "%d", &length)
	require.NoError(t, err)
	require.Greater(t, length, 0)

	body := make([]byte, length)
	_, err = io.ReadFull(s.out, body)
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &msg))
	return msg
}

func (s *fakeServer) writeFrame(t *testing.T, v interface{}) {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = fmt.Fprintf(s.in, "Content-Length: %d\r\n\r\n%s", len(body), body)
	require.NoError(t, err)
}

type callResult struct {
	raw json.RawMessage
	err error
}

func TestCallRoundTrip(t *testing.T) {
	c, srv := startTestClient(t)

	done := make(chan callResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		raw, err := c.Call(ctx, "ocamllsp/typeEnclosing", TypeEnclosingParams{
			URI: "file:///test.ml",
			At:  Position{Line: 0, Character: 4},
		})
		done <- callResult{raw: raw, err: err}
	}()

	req := srv.readFrame(t)
	assert.Equal(t, "2.0", req["jsonrpc"])
	assert.Equal(t, "ocamllsp/typeEnclosing", req["method"])
	id := int(req["id"].(float64))

	srv.writeFrame(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]interface{}{
			"index":      0,
			"type":       "int",
			"enclosings": []interface{}{},
		},
	})

	res := <-done
	require.NoError(t, res.err)

	var result TypeEnclosingResult
	require.NoError(t, json.Unmarshal(res.raw, &result))
	assert.Equal(t, "int", result.Type)
}

func TestCallServerError(t *testing.T) {
	c, srv := startTestClient(t)

	done := make(chan callResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		raw, err := c.Call(ctx, "ocamllsp/construct", nil)
		done <- callResult{raw: raw, err: err}
	}()

	req := srv.readFrame(t)
	srv.writeFrame(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      int(req["id"].(float64)),
		"error":   map[string]interface{}{"code": -32600, "message": "not a hole"},
	})

	res := <-done
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "not a hole")
}

func TestCallTimeoutSendsCancelRequest(t *testing.T) {
	c, srv := startTestClient(t)

	done := make(chan callResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := c.Call(ctx, "ocamllsp/typeEnclosing", nil)
		done <- callResult{err: err}
	}()

	req := srv.readFrame(t)
	id := int(req["id"].(float64))

	// 不回复，等客户端超时后发出 $/cancelRequest
	cancelFrame := srv.readFrame(t)
	assert.Equal(t, "$/cancelRequest", cancelFrame["method"])
	params := cancelFrame["params"].(map[string]interface{})
	assert.Equal(t, id, int(params["id"].(float64)))

	res := <-done
	assert.ErrorIs(t, res.err, context.DeadlineExceeded)
}

func TestCallCanceled(t *testing.T) {
	c, srv := startTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan callResult, 1)
	go func() {
		_, err := c.Call(ctx, "ocamllsp/typeEnclosing", nil)
		done <- callResult{err: err}
	}()

	srv.readFrame(t)
	cancel()
	srv.readFrame(t) // $/cancelRequest

	res := <-done
	assert.ErrorIs(t, res.err, context.Canceled)
}

func TestLateResponseAfterCancelIsDropped(t *testing.T) {
	c, srv := startTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan callResult, 1)
	go func() {
		_, err := c.Call(ctx, "ocamllsp/typeEnclosing", nil)
		done <- callResult{err: err}
	}()

	req := srv.readFrame(t)
	id := int(req["id"].(float64))
	cancel()
	srv.readFrame(t) // $/cancelRequest
	<-done

	// 迟到的响应没有等待者，必须被安静丢弃（不 panic、不串台）
	srv.writeFrame(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  "stale",
	})

	// 随后的请求仍然正常工作
	done2 := make(chan callResult, 1)
	go func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel2()
		raw, err := c.Call(ctx2, "ocamllsp/getDocumentation", nil)
		done2 <- callResult{raw: raw, err: err}
	}()

	req2 := srv.readFrame(t)
	srv.writeFrame(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      int(req2["id"].(float64)),
		"result":  map[string]interface{}{"doc": "docs"},
	})
	res := <-done2
	require.NoError(t, res.err)
}

func TestServerRequestGetsNullReply(t *testing.T) {
	_, srv := startTestClient(t)

	srv.writeFrame(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      42,
		"method":  "workspace/configuration",
		"params":  map[string]interface{}{"items": []interface{}{}},
	})

	reply := srv.readFrame(t)
	assert.Equal(t, 42, int(reply["id"].(float64)))
	_, hasResult := reply["result"]
	assert.True(t, hasResult)
	assert.Nil(t, reply["result"])
}

func TestDisconnectFailsPending(t *testing.T) {
	c, srv := startTestClient(t)

	done := make(chan callResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := c.Call(ctx, "ocamllsp/typeEnclosing", nil)
		done <- callResult{err: err}
	}()

	srv.readFrame(t)
	srv.in.Close() // 服务器进程挂了

	res := <-done
	require.Error(t, res.err)
	assert.False(t, c.Ready(), "断连后必须回到未就绪状态")
}

func TestNotifyFraming(t *testing.T) {
	c, srv := startTestClient(t)

	go c.DidChange("file:///test.ml", 3, "let x = 1")

	frame := srv.readFrame(t)
	assert.Equal(t, "textDocument/didChange", frame["method"])
	params := frame["params"].(map[string]interface{})
	doc := params["textDocument"].(map[string]interface{})
	assert.Equal(t, 3, int(doc["version"].(float64)))
	changes := params["contentChanges"].([]interface{})
	require.Len(t, changes, 1)
	assert.Equal(t, "let x = 1", changes[0].(map[string]interface{})["text"])
}

// =============================================================================
// 路径与语言检测
// =============================================================================

func TestPathURIConversion(t *testing.T) {
	uri := PathToURI("/home/user/project/main.ml")
	assert.Equal(t, "file:///home/user/project/main.ml", uri)
	assert.Equal(t, "/home/user/project/main.ml", URIToPath(uri))
}

func TestDetectLanguageID(t *testing.T) {
	cases := map[string]string{
		"main.ml":    "ocaml",
		"main.mli":   "ocaml",
		"app.eliom":  "ocaml",
		"lexer.mll":  "ocaml.ocamllex",
		"parser.mly": "ocaml.menhir",
		"ui.re":      "reason",
		"dune":       "dune",
		"notes.txt":  "plaintext",
	}
	for file, want := range cases {
		assert.Equal(t, want, DetectLanguageID(file), file)
	}
}
