package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
)

// lsp_client.go - ocamllsp 客户端核心引擎
//
// 通信模型：
// - 发送端：Content-Length 帧 + JSON-RPC 请求，ID 在互斥锁下递增
// - 接收端：readLoop goroutine 解析帧，按 ID 投递到等待中的 Call
// - Call 带 context 超时/取消；取消时向服务器发 $/cancelRequest

type LSPClient struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu        sync.Mutex
	requestID int
	pending   map[int]chan BaseResponse
	isReady   bool
}

// 消息定义：用于 Bubble Tea 通信
type LSPLogMsg string

type lspStartedMsg struct{}

func NewLSPClient() *LSPClient {
	return &LSPClient{pending: make(map[int]chan BaseResponse)}
}

// 启动 ocamllsp 并完成 initialize 握手
func (c *LSPClient) Start(rootPath string) tea.Cmd {
	return func() tea.Msg {
		// 1. 查找 ocamllsp - 先 PATH，再常见 opam switch 位置
		path, err := exec.LookPath("ocamllsp")
		if err != nil {
			homeDir, _ := os.UserHomeDir()
			candidates := []string{
				filepath.Join(os.Getenv("OPAM_SWITCH_PREFIX"), "bin", "ocamllsp"),
				filepath.Join(homeDir, ".opam", "default", "bin", "ocamllsp"),
				"/usr/local/bin/ocamllsp",
			}
			for _, candidate := range candidates {
				if _, statErr := os.Stat(candidate); statErr == nil {
					path = candidate
					break
				}
			}
			if path == "" {
				return LSPLogMsg("⚠ 未找到 ocamllsp，请先: opam install ocaml-lsp-server")
			}
		}

		// 2. 启动进程
		cmd := exec.Command(path)
		stdin, _ := cmd.StdinPipe()
		stdout, _ := cmd.StdoutPipe()

		if err := cmd.Start(); err != nil {
			return LSPLogMsg("⚠ ocamllsp 启动失败: " + err.Error())
		}

		c.cmd = cmd
		c.stdin = stdin
		c.stdout = stdout

		// 3. 开始读取循环（异步）
		go c.readLoop()

		// 4. initialize 握手（在本 goroutine 里同步等待）
		ctx, cancel := context.WithTimeout(context.Background(), lspStartupTimeout)
		defer cancel()
		_, err = c.Call(ctx, "initialize", InitializeParams{
			ProcessID: os.Getpid(),
			RootURI:   PathToURI(rootPath),
			Capabilities: map[string]interface{}{
				"experimental": map[string]interface{}{"ocamllsp": true},
			},
		})
		if err != nil {
			c.Stop()
			return LSPLogMsg("⚠ initialize 失败: " + err.Error())
		}
		c.Notify("initialized", struct{}{})

		c.mu.Lock()
		c.isReady = true
		c.mu.Unlock()

		return lspStartedMsg{}
	}
}

// Ready 握手是否已完成
func (c *LSPClient) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isReady
}

// Call 发送请求并等待响应。
// ctx 超时返回 context.DeadlineExceeded；被新输入取消返回 context.Canceled，
// 取消时顺带通知服务器放弃该请求。
func (c *LSPClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.stdin == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("ocamllsp 未连接")
	}
	c.requestID++
	id := c.requestID
	ch := make(chan BaseResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := BaseRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
	if err := c.writeFrame(req); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.removePending(id)
		c.Notify("$/cancelRequest", CancelParams{ID: id})
		return nil, ctx.Err()
	}
}

// 发送通知（不需要回复）
func (c *LSPClient) Notify(method string, params interface{}) {
	c.writeFrame(BaseNotification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
}

// writeFrame 编码并写出一个 LSP 帧（头部必须带 Content-Length）
func (c *LSPClient) writeFrame(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin == nil {
		return fmt.Errorf("ocamllsp 未连接")
	}
	_, err = c.stdin.Write([]byte(msg))
	return err
}

func (c *LSPClient) removePending(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// 读取循环：解析 LSP 协议头并分发
func (c *LSPClient) readLoop() {
	reader := bufio.NewReader(c.stdout)
	tp := textproto.NewReader(reader)

	for {
		// 1. 读取 Header (Content-Length: 123)
		headers, err := tp.ReadMIMEHeader()
		if err != nil {
			c.failAllPending()
			return // 进程挂了
		}

		lengthStr := headers.Get("Content-Length")
		if lengthStr == "" {
			continue
		}
		length, _ := strconv.Atoi(lengthStr)

		// 2. 读取 Body
		body := make([]byte, length)
		if _, err := io.ReadFull(reader, body); err != nil {
			c.failAllPending()
			return
		}

		// 3. 解析并分发
		var resp BaseResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			continue
		}
		c.dispatch(resp)
	}
}

// dispatch 把一条入站消息送到正确的地方：
// - 挂起请求的响应 → 投递到等待通道
// - 服务器通知 window/showMessage → 转发状态栏
// - 服务器主动请求 → 回一个空结果，防止它卡住
func (c *LSPClient) dispatch(resp BaseResponse) {
	if resp.Method == "" {
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
		// 没有等待者：请求已被取消，丢弃即可
		return
	}

	switch resp.Method {
	case "window/showMessage":
		var p ShowMessageParams
		if err := json.Unmarshal(resp.Params, &p); err == nil && globalProgram != nil {
			globalProgram.Send(LSPLogMsg("LSP: " + p.Message))
		}
	default:
		// 服务器到客户端的请求（workspace/configuration 等）回 null
		if resp.ID != 0 {
			c.writeFrame(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      resp.ID,
				"result":  nil,
			})
		}
	}
}

// failAllPending 连接断开时唤醒所有等待者
func (c *LSPClient) failAllPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int]chan BaseResponse)
	c.isReady = false
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- BaseResponse{Error: &ResponseError{Code: -32099, Message: "连接已断开"}}
	}
}

// DidOpen 打开文档（全文同步）
func (c *LSPClient) DidOpen(uri, languageID, text string) {
	c.Notify("textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        uri,
			LanguageID: languageID,
			Version:    1,
			Text:       text,
		},
	})
}

// DidChange 通知文档变更（全量文本）
func (c *LSPClient) DidChange(uri string, version int, text string) {
	c.Notify("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{URI: uri, Version: version},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: text}},
	})
}

// Stop 停止 LSP 客户端
func (c *LSPClient) Stop() {
	c.mu.Lock()
	stdin := c.stdin
	c.stdin = nil
	c.isReady = false
	c.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
}

// 辅助工具：文件路径转 URI
func PathToURI(path string) string {
	abs, _ := filepath.Abs(path)
	// Windows 下需要处理反斜杠
	abs = filepath.ToSlash(abs)
	// 如果是 Windows，前面加 /
	if !strings.HasPrefix(abs, "/") {
		abs = "/" + abs
	}
	return "file://" + abs
}

// URIToPath 反向转换，容忍非 file:// 输入
func URIToPath(uri string) string {
	path := strings.TrimPrefix(uri, "file://")
	return filepath.FromSlash(path)
}

// 根据文件扩展名检测语言 ID
func DetectLanguageID(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".ml", ".mli", ".eliom", ".eliomi":
		return "ocaml"
	case ".mll":
		return "ocaml.ocamllex"
	case ".mly":
		return "ocaml.menhir"
	case ".re", ".rei":
		return "reason"
	default:
		if strings.HasPrefix(filepath.Base(filename), "dune") {
			return "dune"
		}
		return "plaintext"
	}
}
