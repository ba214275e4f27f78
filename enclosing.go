package main

import (
	"context"
	"errors"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
)

// enclosing.go - 类型包围导航器 (Type-Enclosing Navigator)
//
// 一次导航会话的生命周期：
//   start  → 请求 index=0 的完整包围链，进入 EnclosingMode
//   grow   → 光标外扩一层（最外层回绕到最内层），重新请求该层类型
//   shrink → 反向
//   copy   → 当前类型进系统剪贴板
//   其他键 → 退出会话并清空状态，按键转发回普通模式
//
// 不变量：chain 非空时 0 <= offset < len(chain)；
// offset/typ 只在收到成功响应后提交，超时/取消不动现有状态。

const (
	// 类型短于该长度时只在状态栏内联显示，不打开 Types 面板
	inlineTypeThreshold = 8
)

// EnclosingSession 一次导航会话的全部可变状态
type EnclosingSession struct {
	offset    int
	chain     []Range
	typ       string
	verbosity int

	uri string
	at  Position // 查询位置，整个会话内固定

	// 在途请求管理：新输入先取消旧请求再发新的，
	// 响应带着过期的 seq 会被直接丢弃
	seq    int
	cancel context.CancelFunc
}

// Active 会话是否持有有效的包围链
func (s *EnclosingSession) Active() bool {
	return len(s.chain) > 0
}

// Reset 清空全部状态并取消在途请求
func (s *EnclosingSession) Reset() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.offset = 0
	s.chain = nil
	s.typ = ""
	s.verbosity = 0
	s.uri = ""
	s.at = Position{}
	s.seq++ // 让迟到的响应全部过期
}

// GrowOffset 外扩一层的目标下标，越过最外层回绕到 0
func (s *EnclosingSession) GrowOffset() int {
	if len(s.chain) == 0 {
		return 0
	}
	if s.offset == len(s.chain)-1 {
		return 0
	}
	return s.offset + 1
}

// ShrinkOffset 内缩一层的目标下标，越过最内层回绕到最外层
func (s *EnclosingSession) ShrinkOffset() int {
	if len(s.chain) == 0 {
		return 0
	}
	if s.offset == 0 {
		return len(s.chain) - 1
	}
	return s.offset - 1
}

// Current 当前高亮的区间
func (s *EnclosingSession) Current() (Range, bool) {
	if !s.Active() {
		return Range{}, false
	}
	return s.chain[s.offset], true
}

// commit 在成功响应后提交新的下标和类型
func (s *EnclosingSession) commit(offset int, typ string) {
	s.offset = offset
	s.typ = typ
}

// beginRequest 取消上一个在途请求并登记新的，返回新请求的序号
func (s *EnclosingSession) beginRequest(cancel context.CancelFunc) int {
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.seq++
	return s.seq
}

// validateChain 包围链是否满足嵌套单调性且最内层覆盖查询位置
func validateChain(chain []Range, at Position) bool {
	if len(chain) == 0 {
		return false
	}
	if !chain[0].Contains(at) {
		return false
	}
	for i := 0; i+1 < len(chain); i++ {
		if !chain[i+1].ContainsRange(chain[i]) {
			return false
		}
	}
	return true
}

// =============================================================================
// 异步请求命令
// =============================================================================

type enclosingStartedMsg struct {
	seq    int
	result TypeEnclosingResult
	err    error
}

type enclosingTypeMsg struct {
	seq       int
	offset    int
	verbosity int
	typ       string
	err       error
}

// startEnclosingCmd 请求完整包围链（会话入口，index=0 verbosity=0）
func startEnclosingCmd(c *LSPClient, ctx context.Context, seq int, uri string, at Position) tea.Cmd {
	return func() tea.Msg {
		raw, err := c.Call(ctx, "ocamllsp/typeEnclosing", TypeEnclosingParams{
			URI:       uri,
			At:        at,
			Index:     0,
			Verbosity: 0,
		})
		if err != nil {
			return enclosingStartedMsg{seq: seq, err: err}
		}
		var result TypeEnclosingResult
		if err := unmarshalResult(raw, &result); err != nil {
			return enclosingStartedMsg{seq: seq, err: err}
		}
		return enclosingStartedMsg{seq: seq, result: result}
	}
}

// enclosingTypeCmd 重新请求某一层的类型。
// 位置不变、链不重存，只要这一层在当前 verbosity 下的新类型串。
func enclosingTypeCmd(c *LSPClient, ctx context.Context, seq int, uri string, at Position, index, verbosity int) tea.Cmd {
	return func() tea.Msg {
		raw, err := c.Call(ctx, "ocamllsp/typeEnclosing", TypeEnclosingParams{
			URI:       uri,
			At:        at,
			Index:     index,
			Verbosity: verbosity,
		})
		if err != nil {
			return enclosingTypeMsg{seq: seq, offset: index, verbosity: verbosity, err: err}
		}
		var result TypeEnclosingResult
		if err := unmarshalResult(raw, &result); err != nil {
			return enclosingTypeMsg{seq: seq, offset: index, verbosity: verbosity, err: err}
		}
		return enclosingTypeMsg{seq: seq, offset: index, verbosity: verbosity, typ: result.Type}
	}
}

// =============================================================================
// Model 侧：会话驱动
// =============================================================================

// startTypeEnclosing 在光标处开启一次导航会话
func (m Model) startTypeEnclosing() (tea.Model, tea.Cmd) {
	if m.lsp == nil || !m.lsp.Ready() {
		m.statusMsg = "⚠ ocamllsp 未就绪"
		return m, nil
	}
	if m.filename == "" {
		m.statusMsg = "⚠ 没有打开的文件"
		return m, nil
	}

	m.enclosing.Reset()
	m.clearHighlight()

	uri := PathToURI(m.filename)
	at := Position{Line: m.cursorY, Character: m.cursorX}
	m.enclosing.uri = uri
	m.enclosing.at = at

	ctx, cancel := context.WithTimeout(context.Background(), lspRequestTimeout)
	seq := m.enclosing.beginRequest(cancel)

	m.statusMsg = "… 查询类型中"
	return m, startEnclosingCmd(m.lsp, ctx, seq, uri, at)
}

// handleEnclosingStarted 处理会话入口请求的结果
func (m Model) handleEnclosingStarted(msg enclosingStartedMsg) (tea.Model, tea.Cmd) {
	if msg.seq != m.enclosing.seq {
		return m, nil // 响应已过期（被新输入取代）
	}
	// 请求已结束，释放超时定时器
	if m.enclosing.cancel != nil {
		m.enclosing.cancel()
		m.enclosing.cancel = nil
	}

	if msg.err != nil {
		if errors.Is(msg.err, context.Canceled) {
			return m, nil // 被取消不算错误，什么都不动
		}
		m.enclosing.Reset()
		if errors.Is(msg.err, context.DeadlineExceeded) {
			m.statusMsg = "⚠ 类型查询超时"
		} else {
			m.statusMsg = "⚠ 类型查询失败: " + msg.err.Error()
		}
		return m, nil
	}

	if len(msg.result.Enclosings) == 0 {
		// 光标不在任何有类型的表达式里：不进入会话，不开面板
		m.enclosing.Reset()
		m.statusMsg = "ℹ 此处没有可显示的类型"
		return m, nil
	}
	if !validateChain(msg.result.Enclosings, m.enclosing.at) {
		m.statusMsg = "⚠ 服务器返回的包围链异常"
	}

	m.enclosing.chain = msg.result.Enclosings
	m.enclosing.commit(0, msg.result.Type)
	m.mode = EnclosingMode
	m.displayType(m.enclosing.typ)
	m.highlightEnclosing(m.enclosing.chain[0])
	return m, nil
}

// handleEnclosingType 处理 grow/shrink/verbosity 重查询的结果
func (m Model) handleEnclosingType(msg enclosingTypeMsg) (tea.Model, tea.Cmd) {
	if msg.seq != m.enclosing.seq || !m.enclosing.Active() {
		return m, nil
	}
	if m.enclosing.cancel != nil {
		m.enclosing.cancel()
		m.enclosing.cancel = nil
	}

	if msg.err != nil {
		if errors.Is(msg.err, context.Canceled) {
			return m, nil
		}
		// 状态尚未提交，保持之前显示的类型不变
		if errors.Is(msg.err, context.DeadlineExceeded) {
			m.statusMsg = "⚠ 类型查询超时"
		} else {
			m.statusMsg = "⚠ 类型查询失败: " + msg.err.Error()
		}
		return m, nil
	}

	m.enclosing.commit(msg.offset, msg.typ)
	m.enclosing.verbosity = msg.verbosity
	m.displayType(m.enclosing.typ)
	if r, ok := m.enclosing.Current(); ok {
		m.highlightEnclosing(r)
	}
	return m, nil
}

// stepEnclosing 发起一次对指定层/详细度的类型重查询
func (m *Model) stepEnclosing(index, verbosity int) tea.Cmd {
	ctx, cancel := context.WithTimeout(context.Background(), lspRequestTimeout)
	seq := m.enclosing.beginRequest(cancel)
	return enclosingTypeCmd(m.lsp, ctx, seq, m.enclosing.uri, m.enclosing.at, index, verbosity)
}

// handleEnclosingMode 会话内的按键路由。
// 未绑定的键结束会话并转发回普通模式处理。
func (m Model) handleEnclosingMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "k", "up":
		// grow: 外扩一层
		if !m.enclosing.Active() {
			return m, nil
		}
		return m, m.stepEnclosing(m.enclosing.GrowOffset(), m.enclosing.verbosity)

	case "j", "down":
		// shrink: 内缩一层
		if !m.enclosing.Active() {
			return m, nil
		}
		return m, m.stepEnclosing(m.enclosing.ShrinkOffset(), m.enclosing.verbosity)

	case "t":
		// 同一层再按一次：提高类型展开的详细度
		if !m.enclosing.Active() {
			return m, nil
		}
		return m, m.stepEnclosing(m.enclosing.offset, m.enclosing.verbosity+1)

	case "y":
		// copy: 当前类型进剪贴板，不改会话状态
		if m.enclosing.typ == "" {
			return m, nil
		}
		if err := clipboard.WriteAll(m.enclosing.typ); err != nil {
			m.statusMsg = "⚠ 复制失败: " + err.Error()
		} else {
			m.statusMsg = "✓ 类型已复制: " + m.enclosing.typ
		}
		return m, nil

	case "esc":
		m.exitEnclosing()
		m.statusMsg = ""
		return m, nil

	default:
		// 任何未绑定的键：退出会话，按键继续执行普通模式的动作
		m.exitEnclosing()
		return m.handleNormalMode(msg)
	}
}

// exitEnclosing 结束会话：清空状态、撤销高亮、回到普通模式
func (m *Model) exitEnclosing() {
	m.enclosing.Reset()
	m.clearHighlight()
	m.mode = NormalMode
}

// =============================================================================
// 展示策略
// =============================================================================

// displayType 展示一个类型串：
// 短类型只走状态栏内联提示；长类型写入单例 Types 面板并展示（不抢焦点）。
// 每次调用完全覆盖上一次的内容（最后写入者胜出）。
func (m *Model) displayType(typ string) {
	if len([]rune(typ)) < inlineTypeThreshold {
		m.statusMsg = typ
		return
	}
	rendered := typ
	if m.plugin != nil {
		rendered = m.formatTypeWithPlugin(typ)
	}
	m.showPanel("Types", rendered)
	m.statusMsg = ""
}

// highlightEnclosing 在编辑器视图中高亮一个区间，替换旧高亮
func (m *Model) highlightEnclosing(r Range) {
	m.hlRange = &r
}

func (m *Model) clearHighlight() {
	m.hlRange = nil
}
