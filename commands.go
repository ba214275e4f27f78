package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// commands.go - ocamllsp 一次性命令（无会话状态的请求/响应封装）
//
// :construct [n]  填洞候选 / 插入第 n 个候选
// :doc [ident]    查文档
// :search <q>     类型/极性搜索
// :switch         ml <-> mli 切换
// :infer          推导接口
// :jump [target]  merlin 式语法跳转

const typeSearchLimit = 25

// unmarshalResult 解析请求结果，null 结果视为空值
func unmarshalResult(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// oneShotCtx 一次性命令共用的超时上下文
func oneShotCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), lspRequestTimeout)
}

// =============================================================================
// 消息定义
// =============================================================================

type constructMsg struct {
	result ConstructResult
	err    error
}

type docMsg struct {
	doc string
	err error
}

type searchMsg struct {
	query   string
	entries []TypeSearchEntry
	err     error
}

type switchFileMsg struct {
	files []string
	err   error
}

type inferIntfMsg struct {
	intf string
	err  error
}

type jumpMsg struct {
	jumps []MerlinJump
	err   error
}

// =============================================================================
// 请求命令
// =============================================================================

// constructCmd 请求光标处洞的候选表达式
func constructCmd(c *LSPClient, uri string, pos Position) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := oneShotCtx()
		defer cancel()
		raw, err := c.Call(ctx, "ocamllsp/construct", ConstructParams{
			URI:        uri,
			Position:   pos,
			WithValues: "local",
		})
		if err != nil {
			return constructMsg{err: err}
		}
		var result ConstructResult
		if err := unmarshalResult(raw, &result); err != nil {
			return constructMsg{err: err}
		}
		return constructMsg{result: result}
	}
}

// docCmd 查询标识符文档；ident 为空时查光标下的符号
func docCmd(c *LSPClient, uri string, pos Position, ident string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := oneShotCtx()
		defer cancel()
		raw, err := c.Call(ctx, "ocamllsp/getDocumentation", GetDocumentationParams{
			TextDocument:  TextDocumentIdentifier{URI: uri},
			Position:      pos,
			Identifier:    ident,
			ContentFormat: "plaintext",
		})
		if err != nil {
			return docMsg{err: err}
		}
		var result GetDocumentationResult
		if err := unmarshalResult(raw, &result); err != nil {
			return docMsg{err: err}
		}
		return docMsg{doc: result.Doc.Value}
	}
}

// searchCmd 类型搜索。query 原样透传，极性查询（-arg +ret）由服务器识别
func searchCmd(c *LSPClient, uri string, pos Position, query string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := oneShotCtx()
		defer cancel()
		raw, err := c.Call(ctx, "ocamllsp/typeSearch", TypeSearchParams{
			URI:      uri,
			Position: pos,
			Query:    query,
			Limit:    typeSearchLimit,
			WithDoc:  true,
		})
		if err != nil {
			return searchMsg{query: query, err: err}
		}
		var entries []TypeSearchEntry
		if err := unmarshalResult(raw, &entries); err != nil {
			return searchMsg{query: query, err: err}
		}
		return searchMsg{query: query, entries: entries}
	}
}

// switchFileCmd 查询当前文件的实现/接口对应文件
func switchFileCmd(c *LSPClient, uri string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := oneShotCtx()
		defer cancel()
		raw, err := c.Call(ctx, "ocamllsp/switchImplIntf", []string{uri})
		if err != nil {
			return switchFileMsg{err: err}
		}
		var files SwitchImplIntfResult
		if err := unmarshalResult(raw, &files); err != nil {
			return switchFileMsg{err: err}
		}
		return switchFileMsg{files: files}
	}
}

// inferIntfCmd 对实现文件推导接口文本
func inferIntfCmd(c *LSPClient, implURI string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := oneShotCtx()
		defer cancel()
		raw, err := c.Call(ctx, "ocamllsp/inferIntf", []string{implURI})
		if err != nil {
			return inferIntfMsg{err: err}
		}
		var intf InferIntfResult
		if err := unmarshalResult(raw, &intf); err != nil {
			return inferIntfMsg{err: err}
		}
		return inferIntfMsg{intf: string(intf)}
	}
}

// jumpCmd merlin 式语法跳转；target 可以是 fun/let/module/match 等
func jumpCmd(c *LSPClient, uri string, pos Position, target string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := oneShotCtx()
		defer cancel()
		raw, err := c.Call(ctx, "ocamllsp/jump", MerlinJumpParams{
			URI:      uri,
			Position: pos,
			Target:   target,
		})
		if err != nil {
			return jumpMsg{err: err}
		}
		var result MerlinJumpResult
		if err := unmarshalResult(raw, &result); err != nil {
			return jumpMsg{err: err}
		}
		return jumpMsg{jumps: result.Jumps}
	}
}

// =============================================================================
// Model 侧：命令入口与结果处理
// =============================================================================

// requireLSP 命令前置检查：连接就绪且有打开的文件
func (m *Model) requireLSP() bool {
	if m.lsp == nil || !m.lsp.Ready() {
		m.statusMsg = "⚠ ocamllsp 未就绪"
		return false
	}
	if m.filename == "" {
		m.statusMsg = "⚠ 没有打开的文件"
		return false
	}
	return true
}

func (m *Model) cursorPos() Position {
	return Position{Line: m.cursorY, Character: m.cursorX}
}

// runOCamlCommand 解析 :命令 中的 ocamllsp 命令部分。
// 返回 (cmd, true) 表示命令被识别并处理。
func (m *Model) runOCamlCommand(cmd string) (tea.Cmd, bool) {
	name, arg, _ := strings.Cut(cmd, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "construct":
		if !m.requireLSP() {
			return nil, true
		}
		// :construct N 直接插入上一次列出的第 N 个候选
		if n, err := strconv.Atoi(arg); err == nil && m.lastConstruct != nil {
			return m.insertConstruct(n), true
		}
		m.statusMsg = "… 计算候选中"
		return constructCmd(m.lsp, PathToURI(m.filename), m.cursorPos()), true

	case "doc":
		if !m.requireLSP() {
			return nil, true
		}
		m.statusMsg = "… 查询文档中"
		return docCmd(m.lsp, PathToURI(m.filename), m.cursorPos(), arg), true

	case "search":
		if !m.requireLSP() {
			return nil, true
		}
		if arg == "" {
			m.statusMsg = "⚠ 用法: :search <类型或极性查询>"
			return nil, true
		}
		m.statusMsg = "… 搜索中"
		return searchCmd(m.lsp, PathToURI(m.filename), m.cursorPos(), arg), true

	case "switch":
		if !m.requireLSP() {
			return nil, true
		}
		return switchFileCmd(m.lsp, PathToURI(m.filename)), true

	case "infer":
		if !m.requireLSP() {
			return nil, true
		}
		implPath := m.filename
		if strings.HasSuffix(implPath, ".mli") {
			// 编辑接口文件时对同名 .ml 推导
			implPath = strings.TrimSuffix(implPath, ".mli") + ".ml"
		}
		m.statusMsg = "… 推导接口中"
		return inferIntfCmd(m.lsp, PathToURI(implPath)), true

	case "jump":
		if !m.requireLSP() {
			return nil, true
		}
		return jumpCmd(m.lsp, PathToURI(m.filename), m.cursorPos(), arg), true
	}

	return nil, false
}

// insertConstruct 把第 n 个（1 基）候选插到洞的位置
func (m *Model) insertConstruct(n int) tea.Cmd {
	lc := m.lastConstruct
	if lc == nil || n < 1 || n > len(lc.Result) {
		m.statusMsg = fmt.Sprintf("⚠ 无效候选编号: %d", n)
		return nil
	}
	m.replaceRange(lc.Position, lc.Result[n-1])
	m.lastConstruct = nil
	m.statusMsg = fmt.Sprintf("✓ 已插入: %s", lc.Result[n-1])
	return m.syncDocument()
}

func (m Model) handleConstructMsg(msg constructMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.statusMsg = "⚠ construct 失败: " + msg.err.Error()
		return m, nil
	}
	if len(msg.result.Result) == 0 {
		m.statusMsg = "ℹ 此处不是可填的洞"
		return m, nil
	}
	result := msg.result
	m.lastConstruct = &result

	var b strings.Builder
	for i, cand := range result.Result {
		fmt.Fprintf(&b, "%2d. %s\n", i+1, cand)
	}
	b.WriteString("\n:construct <n> 插入候选")
	m.showPanel("Construct", b.String())
	m.statusMsg = fmt.Sprintf("✓ %d 个候选", len(result.Result))
	return m, nil
}

func (m Model) handleDocMsg(msg docMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.statusMsg = "⚠ 查文档失败: " + msg.err.Error()
		return m, nil
	}
	if strings.TrimSpace(msg.doc) == "" {
		m.statusMsg = "ℹ 没有找到文档"
		return m, nil
	}
	m.showPanel("Doc", msg.doc)
	m.statusMsg = ""
	return m, nil
}

func (m Model) handleSearchMsg(msg searchMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.statusMsg = "⚠ 搜索失败: " + msg.err.Error()
		return m, nil
	}
	if len(msg.entries) == 0 {
		m.statusMsg = fmt.Sprintf("ℹ 没有匹配: %s", msg.query)
		return m, nil
	}
	var b strings.Builder
	for _, e := range msg.entries {
		fmt.Fprintf(&b, "%s : %s\n", e.Name, e.Typ)
		if doc := strings.TrimSpace(e.Doc.Value); doc != "" {
			// 文档只取第一行，保持列表紧凑
			fmt.Fprintf(&b, "    %s\n", firstLine(doc))
		}
	}
	m.showPanel("Search", b.String())
	m.statusMsg = fmt.Sprintf("✓ %d 个结果: %s", len(msg.entries), msg.query)
	return m, nil
}

func (m Model) handleSwitchFileMsg(msg switchFileMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.statusMsg = "⚠ 切换失败: " + msg.err.Error()
		return m, nil
	}
	if len(msg.files) == 0 {
		m.statusMsg = "ℹ 没有对应的实现/接口文件"
		return m, nil
	}
	// filename 只在加载成功后才提交，加载失败不能让缓冲区挂错名字
	target := URIToPath(msg.files[0])
	m.statusMsg = fmt.Sprintf("✓ 切换到 %s", target)
	return m, loadFileCmd(target)
}

func (m Model) handleInferIntfMsg(msg inferIntfMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.statusMsg = "⚠ 接口推导失败: " + msg.err.Error()
		return m, nil
	}
	if strings.TrimSpace(msg.intf) == "" {
		m.statusMsg = "ℹ 推导结果为空"
		return m, nil
	}
	if strings.HasSuffix(m.filename, ".mli") {
		// 在接口文件里直接插入推导结果
		m.pasteText(msg.intf)
		m.statusMsg = "✓ 接口已插入"
		return m, m.syncDocument()
	}
	m.showPanel("Infer", msg.intf)
	m.statusMsg = ""
	return m, nil
}

func (m Model) handleJumpMsg(msg jumpMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.statusMsg = "⚠ 跳转失败: " + msg.err.Error()
		return m, nil
	}
	if len(msg.jumps) == 0 {
		m.statusMsg = "ℹ 没有可跳转的目标"
		return m, nil
	}
	j := msg.jumps[0]
	m.cursorY = clamp(j.Position.Line, 0, len(m.lines)-1)
	m.cursorX = clamp(j.Position.Character, 0, len(m.lines[m.cursorY]))
	m.statusMsg = fmt.Sprintf("✓ 跳转: %s", j.Target)
	return m, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
