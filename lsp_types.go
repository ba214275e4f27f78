package main

import "encoding/json"

// lsp_types.go - LSP / ocamllsp 协议数据结构定义

type BaseRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type BaseNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type BaseResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method,omitempty"` // 服务器主动发来的请求/通知会带 method
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ResponseError 服务器返回的 JSON-RPC 错误，实现 error 接口
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ResponseError) Error() string {
	return e.Message
}

type InitializeParams struct {
	ProcessID    int                    `json:"processId"`
	RootURI      string                 `json:"rootUri"`
	Capabilities map[string]interface{} `json:"capabilities"`
}

type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

type VersionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

type TextDocumentContentChangeEvent struct {
	Text string `json:"text"` // 简化版：每次发送全量文本，最稳
}

type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Contains 判断位置是否落在区间内（含端点）
func (r Range) Contains(p Position) bool {
	if p.Line < r.Start.Line || p.Line > r.End.Line {
		return false
	}
	if p.Line == r.Start.Line && p.Character < r.Start.Character {
		return false
	}
	if p.Line == r.End.Line && p.Character > r.End.Character {
		return false
	}
	return true
}

// ContainsRange 判断 inner 是否完全包含在 r 内
func (r Range) ContainsRange(inner Range) bool {
	return r.Contains(inner.Start) && r.Contains(inner.End)
}

type CancelParams struct {
	ID int `json:"id"`
}

type ShowMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// =============================================================================
// ocamllsp 扩展请求 (merlin 能力透出)
// =============================================================================

// TypeEnclosingParams - ocamllsp/typeEnclosing
// at 可以是 Position 也可以是 Range，这里只用 Position
type TypeEnclosingParams struct {
	URI       string   `json:"uri"`
	At        Position `json:"at"`
	Index     int      `json:"index"`
	Verbosity int      `json:"verbosity"`
}

// TypeEnclosingResult 返回第 index 层的类型 + 完整的包围链
// enclosings[0] 是最内层，必须包含查询位置
type TypeEnclosingResult struct {
	Index      int     `json:"index"`
	Type       string  `json:"type"`
	Enclosings []Range `json:"enclosings"`
}

// ConstructParams - ocamllsp/construct (填洞)
type ConstructParams struct {
	URI        string   `json:"uri"`
	Position   Position `json:"position"`
	Depth      int      `json:"depth,omitempty"`
	WithValues string   `json:"withValues,omitempty"` // "local" | "none"
}

type ConstructResult struct {
	Position Range    `json:"position"` // 要被替换的洞的位置
	Result   []string `json:"result"`   // 候选表达式
}

// GetDocumentationParams - ocamllsp/getDocumentation
type GetDocumentationParams struct {
	TextDocument  TextDocumentIdentifier `json:"textDocument"`
	Position      Position               `json:"position"`
	Identifier    string                 `json:"identifier,omitempty"`
	ContentFormat string                 `json:"contentFormat,omitempty"`
}

type GetDocumentationResult struct {
	Doc MarkupContent `json:"doc"`
}

// MarkupContent 兼容裸字符串和 {kind, value} 两种形式
type MarkupContent struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

func (m *MarkupContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Kind = "plaintext"
		m.Value = s
		return nil
	}
	type alias MarkupContent
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = MarkupContent(a)
	return nil
}

// TypeSearchParams - ocamllsp/typeSearch
// query 支持极性查询 (如 "-int +string") 和普通类型查询
type TypeSearchParams struct {
	URI      string   `json:"uri"`
	Position Position `json:"position"`
	Query    string   `json:"query"`
	Limit    int      `json:"limit"`
	WithDoc  bool     `json:"with_doc"`
}

type TypeSearchEntry struct {
	Name          string        `json:"name"`
	Typ           string        `json:"typ"`
	Cost          int           `json:"cost"`
	Doc           MarkupContent `json:"doc"`
	Constructible string        `json:"constructible"`
}

// MerlinJumpParams - ocamllsp/jump (merlin 式语法跳转)
type MerlinJumpParams struct {
	URI      string   `json:"uri"`
	Position Position `json:"position"`
	Target   string   `json:"target,omitempty"` // fun / let / module / match ...
}

type MerlinJumpResult struct {
	Jumps []MerlinJump `json:"jumps"`
}

type MerlinJump struct {
	Target   string   `json:"target"`
	Position Position `json:"position"`
}

// SwitchImplIntfResult - ocamllsp/switchImplIntf 返回备选文件 URI 列表
// 参数就是当前文档的 URI 字符串
type SwitchImplIntfResult []string

// InferIntfResult - ocamllsp/inferIntf 返回推导出的接口文本
type InferIntfResult string
