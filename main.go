// ocamvim - 面向 OCaml 的 TUI 编辑器
//
// 架构概述：
// - Go Host (Bubble Tea) 负责 UI 和 IO
// - 内嵌 LSP 客户端，通过 stdio 对接 ocamllsp
// - 核心交互：类型包围导航 (ocamllsp/typeEnclosing) + merlin 式一次性命令
// - 可选 WASM 插件 (Extism) 负责类型串的格式化

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/atotto/clipboard" // 系统剪贴板支持
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	extism "github.com/extism/go-sdk"
	"golang.org/x/term"

	// Chroma 语法高亮库
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// =============================================================================
// 常量定义
// =============================================================================

const (
	// initialize 握手允许更长的等待（服务器冷启动要建索引）
	lspStartupTimeout = 10 * time.Second

	// Types/Doc/Search 共用的单例面板宽度
	panelWidth = 40
)

// 单次请求超时，可被 OCAMVIM_LSP_TIMEOUT_MS 覆盖
var lspRequestTimeout = 3 * time.Second

// globalProgram 供 readLoop 把服务器通知回投给 UI
var globalProgram *tea.Program

// Mode 表示编辑器模式
type Mode int

const (
	NormalMode    Mode = iota // 普通模式 - 浏览和导航
	InsertMode                // 插入模式 - 输入文本
	CommandMode               // 命令模式 - 输入 Ex 命令 (:q, :w, etc.)
	EnclosingMode             // 类型导航模式 - 临时按键表 (k/j/t/y)
)

func (m Mode) String() string {
	switch m {
	case NormalMode:
		return "NORMAL"
	case InsertMode:
		return "INSERT"
	case CommandMode:
		return "COMMAND"
	case EnclosingMode:
		return "TYPE"
	default:
		return "UNKNOWN"
	}
}

// =============================================================================
// 样式定义 (使用 Lipgloss)
// =============================================================================

var (
	// 状态栏样式 (Dark Grey)
	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("234")).
			Foreground(lipgloss.Color("250")).
			Padding(0, 1)

	// 模式指示器样式
	normalModeStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("230")).
			Bold(true).
			Padding(0, 1)

	insertModeStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("166")).
			Foreground(lipgloss.Color("230")).
			Bold(true).
			Padding(0, 1)

	commandModeStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("33")).
			Foreground(lipgloss.Color("230")).
			Bold(true).
			Padding(0, 1)

	// 类型导航模式指示器 (绿色，醒目提示临时按键表生效中)
	enclosingModeStyle = lipgloss.NewStyle().
				Background(lipgloss.Color("28")).
				Foreground(lipgloss.Color("230")).
				Bold(true).
				Padding(0, 1)

	// 光标行样式
	cursorLineStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236"))

	// 行号样式
	lineNumberStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(4).
			Align(lipgloss.Right)

	// Ghost Text (补全建议) 样式 - 灰色/暗淡
	suggestionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	// 类型包围区间的高亮面 - 区别于光标行的独立视觉样式
	enclosingFaceStyle = lipgloss.NewStyle().
				Background(lipgloss.Color("24")).
				Foreground(lipgloss.Color("230"))
)

// =============================================================================
// 模型定义
// =============================================================================

// Model 是 Bubble Tea 的核心状态结构
type Model struct {
	// 文本缓冲区 - 每行一个字符串
	lines []string

	// 光标位置
	cursorY int // 当前行 (0-indexed)
	cursorX int // 当前列 (0-indexed)

	// 编辑器模式
	mode Mode

	// 命令缓冲区 (用于 :command 模式)
	commandBuffer string

	// 状态/消息显示
	statusMsg string

	// Ghost Text 补全建议
	suggestion string // 当前显示的建议文本

	// 当前文件名 (用于语法高亮检测和 URI)
	filename   string
	docVersion int // didChange 的版本号

	// LSP 客户端
	lsp *LSPClient

	// 类型包围导航会话 (指针：值拷贝的 Model 共享同一会话)
	enclosing *EnclosingSession

	// 当前高亮的包围区间；nil 表示无高亮
	hlRange *Range

	// 上一次 :construct 的结果，供 :construct N 插入
	lastConstruct *ConstructResult

	// 单例结果面板 (Types/Doc/Search/...)，最后写入者胜出
	showPanel_   bool
	panelTitle   string
	panelContent string

	// WASM 插件实例
	plugin      *extism.Plugin
	pluginError error

	// 终端尺寸
	width  int
	height int

	// 缓存的布局尺寸 (用于即时同步)
	cachedPanelWidth    int
	cachedEditorWidth   int
	cachedContentHeight int

	// ----------------------------------------------------
	// 性能优化: 缓存 Chroma 高亮组件
	// 避免每行重新创建 Lexer/Style/Formatter
	// ----------------------------------------------------
	cachedLexer     chroma.Lexer
	cachedStyle     *chroma.Style
	cachedFormatter chroma.Formatter
}

// =============================================================================
// 初始化
// =============================================================================

// initialModel 创建初始模型状态
func initialModel() Model {
	filename := ""
	if len(os.Args) > 1 {
		filename = os.Args[1]
	}

	m := Model{
		// 初始化空缓冲区，至少有一行
		lines:      []string{""},
		cursorY:    0,
		cursorX:    0,
		mode:       NormalMode,
		filename:   filename,
		docVersion: 1,
		statusMsg:  "欢迎使用 ocamvim! 按 't' 查看类型, :help 查看命令",
		width:      80,
		height:     24,
		lsp:        NewLSPClient(),
		enclosing:  &EnclosingSession{},
	}

	return m
}

// -----------------------------------------------------------------------------
// 异步加载命令 (Async Loader Commands)
// -----------------------------------------------------------------------------

// 消息定义
type fileLoadedMsg struct {
	filename string
	content  []string
	err      error
}

// loadFileCmd 异步加载文件
func loadFileCmd(filename string) tea.Cmd {
	return func() tea.Msg {
		if filename == "" {
			return nil
		}
		content, err := os.ReadFile(filename)
		if err != nil {
			return fileLoadedMsg{filename: filename, err: err}
		}
		text := string(content)
		text = strings.ReplaceAll(text, "\r\n", "\n")
		text = strings.ReplaceAll(text, "\r", "\n")
		lines := strings.Split(text, "\n")
		if len(lines) == 0 {
			lines = []string{""}
		}
		return fileLoadedMsg{filename: filename, content: lines}
	}
}

// saveFile 保存文件到磁盘
func (m *Model) saveFile() error {
	if m.filename == "" {
		return fmt.Errorf("未指定文件名")
	}

	content := strings.Join(m.lines, "\n")
	return os.WriteFile(m.filename, []byte(content), 0644)
}

// syncDocument 把当前缓冲区全量同步给 ocamllsp
func (m *Model) syncDocument() tea.Cmd {
	if m.lsp == nil || !m.lsp.Ready() || m.filename == "" {
		return nil
	}
	m.docVersion++
	uri := PathToURI(m.filename)
	version := m.docVersion
	text := strings.Join(m.lines, "\n")
	return func() tea.Msg {
		m.lsp.DidChange(uri, version, text)
		return nil
	}
}

// openDocument 通知服务器打开当前文件
func (m *Model) openDocument() {
	if m.lsp == nil || !m.lsp.Ready() || m.filename == "" {
		return
	}
	m.docVersion = 1
	m.lsp.DidOpen(PathToURI(m.filename), DetectLanguageID(m.filename), strings.Join(m.lines, "\n"))
}

// initHighlighter 按文件名初始化 Chroma 组件 (.ml/.mli 命中 OCaml lexer)
func (m *Model) initHighlighter() {
	m.cachedLexer = lexers.Match(m.filename)
	if m.cachedLexer == nil {
		m.cachedLexer = lexers.Fallback
	}
	m.cachedLexer = chroma.Coalesce(m.cachedLexer)

	if m.cachedStyle == nil {
		m.cachedStyle = styles.Get("dracula")
		if m.cachedStyle == nil {
			m.cachedStyle = styles.Fallback
		}
	}
	if m.cachedFormatter == nil {
		m.cachedFormatter = formatters.TTY256
	}
}

// =============================================================================
// Bubble Tea 接口实现
// =============================================================================

// Init 返回初始命令
func (m Model) Init() tea.Cmd {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	var resizeCmd tea.Cmd
	if err == nil {
		resizeCmd = func() tea.Msg {
			return tea.WindowSizeMsg{Width: w, Height: h}
		}
	}

	cwd, _ := os.Getwd()

	cmds := []tea.Cmd{
		tea.EnterAltScreen,
		// 并行启动异步加载任务
		m.lsp.Start(cwd),
		loadPluginCmd(),
	}

	if m.filename != "" {
		cmds = append(cmds, loadFileCmd(m.filename))
	}

	if resizeCmd != nil {
		cmds = append(cmds, resizeCmd)
	}

	return tea.Batch(cmds...)
}

// Update 处理消息并更新模型
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	// --- 异步加载完成的消息 ---
	case fileLoadedMsg:
		if msg.err != nil {
			if os.IsNotExist(msg.err) {
				// 文件不存在：开一个空缓冲区，:w 时再落盘
				m.lines = []string{""}
				m.filename = msg.filename
				m.cursorX, m.cursorY = 0, 0
				m.initHighlighter()
				m.openDocument()
				m.statusMsg = fmt.Sprintf("\"%s\" [新文件]", msg.filename)
			} else {
				m.statusMsg = fmt.Sprintf("⚠ 无法读取文件: %v", msg.err)
			}
		} else {
			m.lines = msg.content
			m.filename = msg.filename
			m.cursorX, m.cursorY = 0, 0
			m.initHighlighter()
			m.openDocument()
		}
		return m, nil

	case pluginLoadedMsg:
		if msg.err != nil {
			m.pluginError = msg.err
		} else {
			m.plugin = msg.plugin
		}
		return m, nil

	case lspStartedMsg:
		m.statusMsg = "✓ ocamllsp 已连接"
		// 文件可能先于握手加载完成，补发 didOpen
		m.openDocument()
		return m, nil

	case LSPLogMsg:
		m.statusMsg = string(msg)
		return m, nil

	case tea.WindowSizeMsg:
		sizeChanged := msg.Width != m.width || msg.Height != m.height

		m.width = msg.Width
		m.height = msg.Height
		m.syncSizes() // 立即同步布局尺寸

		// 只有在尺寸真正改变时才强制清屏 (避免模式切换时的闪烁)
		if sizeChanged {
			return m, tea.ClearScreen
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	// --- 类型包围导航 ---
	case enclosingStartedMsg:
		return m.handleEnclosingStarted(msg)
	case enclosingTypeMsg:
		return m.handleEnclosingType(msg)

	// --- 一次性命令结果 ---
	case constructMsg:
		return m.handleConstructMsg(msg)
	case docMsg:
		return m.handleDocMsg(msg)
	case searchMsg:
		return m.handleSearchMsg(msg)
	case switchFileMsg:
		return m.handleSwitchFileMsg(msg)
	case inferIntfMsg:
		return m.handleInferIntfMsg(msg)
	case jumpMsg:
		return m.handleJumpMsg(msg)
	}

	return m, nil
}

// handleKeyPress 处理键盘输入
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Ctrl+C: 安全取消 (不再退出程序)
	if msg.Type == tea.KeyCtrlC {
		switch m.mode {
		case InsertMode:
			m.mode = NormalMode
			m.statusMsg = "已取消 (Ctrl+C)"
		case CommandMode:
			m.mode = NormalMode
			m.commandBuffer = ""
			m.statusMsg = "已取消"
		case EnclosingMode:
			m.exitEnclosing()
			m.statusMsg = "已取消"
		default:
			m.statusMsg = "按 :q 退出"
		}
		return m, nil
	}

	switch m.mode {
	case NormalMode:
		return m.handleNormalMode(msg)
	case InsertMode:
		return m.handleInsertMode(msg)
	case CommandMode:
		return m.handleCommandMode(msg)
	case EnclosingMode:
		return m.handleEnclosingMode(msg)
	}

	return m, nil
}

// handleNormalMode 处理普通模式下的按键
func (m Model) handleNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "i":
		// 进入插入模式
		m.mode = InsertMode
		m.statusMsg = "-- 插入模式 --"

	case ":":
		// 进入命令模式 (Vim 风格)
		m.mode = CommandMode
		m.commandBuffer = ""
		m.statusMsg = ":"

	case "j", "down":
		// 向下移动光标
		if m.cursorY < len(m.lines)-1 {
			m.cursorY++
			if m.cursorX > len(m.lines[m.cursorY]) {
				m.cursorX = len(m.lines[m.cursorY])
			}
		}

	case "k", "up":
		// 向上移动光标
		if m.cursorY > 0 {
			m.cursorY--
			if m.cursorX > len(m.lines[m.cursorY]) {
				m.cursorX = len(m.lines[m.cursorY])
			}
		}

	case "h", "left":
		if m.cursorX > 0 {
			m.cursorX--
		}

	case "l", "right":
		if m.cursorX < len(m.lines[m.cursorY]) {
			m.cursorX++
		}

	case "0":
		m.cursorX = 0

	case "$":
		m.cursorX = len(m.lines[m.cursorY])

	case "t":
		// 类型包围导航入口 - 核心功能！
		return m.startTypeEnclosing()

	case "K":
		// 光标处符号的文档
		if m.requireLSP() {
			m.statusMsg = "… 查询文档中"
			return m, docCmd(m.lsp, PathToURI(m.filename), m.cursorPos(), "")
		}

	case "q":
		// 面板打开时 q 先关面板
		if m.showPanel_ {
			m.closePanel()
		}

	case "p":
		// 粘贴 (从系统剪贴板)
		text, err := clipboard.ReadAll()
		if err != nil || text == "" {
			m.statusMsg = "ℹ 剪贴板为空"
		} else {
			m.pasteText(text)
			m.statusMsg = "✓ 已粘贴"
			return m, m.syncDocument()
		}
	}

	return m, nil
}

// handleCommandMode 处理命令模式下的按键（类似 Vim 的 Ex 命令）
func (m Model) handleCommandMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		// 取消命令，回到普通模式
		m.mode = NormalMode
		m.commandBuffer = ""
		m.statusMsg = ""

	case tea.KeyEnter:
		// 执行命令
		cmd := m.executeCommand()

		// 重置命令模式状态
		m.mode = NormalMode
		m.commandBuffer = ""

		if cmd != nil {
			return m, cmd
		}

	case tea.KeyBackspace:
		if len(m.commandBuffer) > 0 {
			m.commandBuffer = m.commandBuffer[:len(m.commandBuffer)-1]
			m.statusMsg = ":" + m.commandBuffer
		} else {
			// 缓冲区已空，回到普通模式
			m.mode = NormalMode
			m.statusMsg = ""
		}

	case tea.KeySpace:
		m.commandBuffer += " "
		m.statusMsg = ":" + m.commandBuffer

	default:
		// 添加字符到命令缓冲区
		if len(msg.String()) == 1 {
			m.commandBuffer += msg.String()
			m.statusMsg = ":" + m.commandBuffer
		}
	}

	return m, nil
}

// executeCommand 执行 Ex 命令
func (m *Model) executeCommand() tea.Cmd {
	cmd := strings.TrimSpace(m.commandBuffer)
	m.commandBuffer = ""
	m.mode = NormalMode

	switch cmd {
	case "q", "quit":
		if m.showPanel_ {
			// 面板打开时 :q 先关面板
			m.closePanel()
			return nil
		}
		return tea.Quit

	case "w", "write":
		if m.filename == "" {
			m.statusMsg = "⚠ 未指定文件名，使用 :w 文件名"
		} else {
			if err := m.saveFile(); err != nil {
				m.statusMsg = fmt.Sprintf("⚠ 保存失败: %v", err)
			} else {
				m.statusMsg = fmt.Sprintf("\"%s\" %d 行已写入", m.filename, len(m.lines))
			}
		}

	case "wq", "x":
		if m.filename != "" {
			if err := m.saveFile(); err != nil {
				m.statusMsg = fmt.Sprintf("⚠ 保存失败: %v", err)
				return nil
			}
		}
		return tea.Quit

	case "q!":
		return tea.Quit

	case "panel":
		// 手动开关结果面板
		if m.showPanel_ {
			m.closePanel()
		} else if m.panelContent != "" {
			m.showPanel_ = true
			m.syncSizes()
		}

	case "help":
		m.statusMsg = "命令: :q :w | t=类型 K=文档 | :construct :doc :search :switch :infer :jump"

	case "":
		m.statusMsg = ""

	default:
		// :w 文件名
		if after, ok := strings.CutPrefix(cmd, "w "); ok {
			m.filename = strings.TrimSpace(after)
			if err := m.saveFile(); err != nil {
				m.statusMsg = fmt.Sprintf("⚠ 保存失败: %v", err)
			} else {
				m.statusMsg = fmt.Sprintf("\"%s\" 已写入", m.filename)
			}
			return nil
		}
		// :e 文件名
		if after, ok := strings.CutPrefix(cmd, "e "); ok {
			target := strings.TrimSpace(after)
			m.cursorX, m.cursorY = 0, 0
			m.enclosing.Reset()
			m.clearHighlight()
			return loadFileCmd(target)
		}
		// ocamllsp 命令
		if lspCmd, handled := m.runOCamlCommand(cmd); handled {
			return lspCmd
		}
		m.statusMsg = fmt.Sprintf("⚠ 未知命令: %s", cmd)
	}

	return nil
}

// handleInsertMode 处理插入模式下的按键
func (m Model) handleInsertMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		// 退出插入模式
		m.mode = NormalMode
		m.suggestion = ""
		m.statusMsg = "回到普通模式"
		// 光标左移一位（类似 Vim 行为）
		if m.cursorX > 0 {
			m.cursorX--
		}
		return m, m.syncDocument()

	case tea.KeyEnter:
		m.insertNewLine()
		m.suggestion = ""
		return m, m.syncDocument()

	case tea.KeyBackspace:
		m.deleteChar()
		m.refreshSuggestion()
		return m, m.syncDocument()

	case tea.KeySpace:
		m.insertChar(' ')
		m.suggestion = ""
		return m, m.syncDocument()

	case tea.KeyCtrlV:
		// 粘贴 (从系统剪贴板)
		text, err := clipboard.ReadAll()
		if err != nil || text == "" {
			m.statusMsg = "ℹ 剪贴板为空"
		} else {
			m.pasteText(text)
			m.statusMsg = "✓ 已粘贴"
			return m, m.syncDocument()
		}

	case tea.KeyUp:
		if m.cursorY > 0 {
			m.cursorY--
			if m.cursorX > len(m.lines[m.cursorY]) {
				m.cursorX = len(m.lines[m.cursorY])
			}
		}

	case tea.KeyDown:
		if m.cursorY < len(m.lines)-1 {
			m.cursorY++
			if m.cursorX > len(m.lines[m.cursorY]) {
				m.cursorX = len(m.lines[m.cursorY])
			}
		}

	case tea.KeyLeft:
		if m.cursorX > 0 {
			m.cursorX--
		} else if m.cursorY > 0 {
			m.cursorY--
			m.cursorX = len(m.lines[m.cursorY])
		}

	case tea.KeyRight:
		if m.cursorX < len(m.lines[m.cursorY]) {
			m.cursorX++
		} else if m.cursorY < len(m.lines)-1 {
			m.cursorY++
			m.cursorX = 0
		}

	case tea.KeyTab:
		// 如果有补全建议，按 Tab 接受建议
		if m.suggestion != "" {
			for _, ch := range m.suggestion {
				m.insertChar(ch)
			}
			m.suggestion = ""
			m.statusMsg = "✓ 已接受建议"
			return m, m.syncDocument()
		}

		// 否则插入缩进（2 个空格，OCaml 习惯）
		m.insertChar(' ')
		m.insertChar(' ')
		return m, m.syncDocument()

	default:
		// 插入普通字符
		if len(msg.String()) == 1 {
			m.insertChar(rune(msg.String()[0]))
			m.refreshSuggestion()
			return m, m.syncDocument()
		}
	}

	return m, nil
}

// =============================================================================
// 文本编辑操作
// =============================================================================

// insertChar 在当前光标位置插入字符
func (m *Model) insertChar(ch rune) {
	line := m.lines[m.cursorY]
	newLine := line[:m.cursorX] + string(ch) + line[m.cursorX:]
	m.lines[m.cursorY] = newLine
	m.cursorX++
}

// pasteText 在当前光标位置粘贴文本 (支持多行)
func (m *Model) pasteText(text string) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	pasteLines := strings.Split(text, "\n")
	if len(pasteLines) == 0 {
		return
	}

	if len(pasteLines) == 1 {
		// 单行粘贴: 直接插入当前行
		line := m.lines[m.cursorY]
		m.lines[m.cursorY] = line[:m.cursorX] + pasteLines[0] + line[m.cursorX:]
		m.cursorX += len(pasteLines[0])
	} else {
		// 多行粘贴
		currentLine := m.lines[m.cursorY]
		left := currentLine[:m.cursorX]
		right := currentLine[m.cursorX:]

		m.lines[m.cursorY] = left + pasteLines[0]

		newLines := make([]string, 0, len(m.lines)+len(pasteLines)-1)
		newLines = append(newLines, m.lines[:m.cursorY+1]...)
		newLines = append(newLines, pasteLines[1:len(pasteLines)-1]...)

		lastPasteLine := pasteLines[len(pasteLines)-1] + right
		newLines = append(newLines, lastPasteLine)
		newLines = append(newLines, m.lines[m.cursorY+1:]...)

		m.lines = newLines
		m.cursorY += len(pasteLines) - 1
		m.cursorX = len(pasteLines[len(pasteLines)-1])
	}
}

// insertNewLine 在当前位置插入新行
func (m *Model) insertNewLine() {
	line := m.lines[m.cursorY]
	left := line[:m.cursorX]
	right := line[m.cursorX:]

	m.lines[m.cursorY] = left
	newLines := make([]string, len(m.lines)+1)
	copy(newLines[:m.cursorY+1], m.lines[:m.cursorY+1])
	newLines[m.cursorY+1] = right
	copy(newLines[m.cursorY+2:], m.lines[m.cursorY+1:])
	m.lines = newLines

	m.cursorY++
	m.cursorX = 0
}

// deleteChar 删除光标前的字符
func (m *Model) deleteChar() {
	if m.cursorX > 0 {
		line := m.lines[m.cursorY]
		m.lines[m.cursorY] = line[:m.cursorX-1] + line[m.cursorX:]
		m.cursorX--
	} else if m.cursorY > 0 {
		// 合并到上一行
		prevLine := m.lines[m.cursorY-1]
		currLine := m.lines[m.cursorY]
		m.cursorX = len(prevLine)
		m.lines[m.cursorY-1] = prevLine + currLine

		m.lines = append(m.lines[:m.cursorY], m.lines[m.cursorY+1:]...)
		m.cursorY--
	}
}

// replaceRange 用 text 替换缓冲区里的一个区间（用于 construct 填洞）
// 区间越界时按缓冲区实际范围收缩
func (m *Model) replaceRange(r Range, text string) {
	if len(m.lines) == 0 {
		m.lines = []string{""}
	}
	startLine := clamp(r.Start.Line, 0, len(m.lines)-1)
	endLine := clamp(r.End.Line, startLine, len(m.lines)-1)
	startCol := clamp(r.Start.Character, 0, len(m.lines[startLine]))
	endCol := clamp(r.End.Character, 0, len(m.lines[endLine]))

	left := m.lines[startLine][:startCol]
	right := m.lines[endLine][endCol:]

	replLines := strings.Split(text, "\n")
	replLines[0] = left + replLines[0]
	lastIdx := len(replLines) - 1
	endX := len(replLines[lastIdx])
	replLines[lastIdx] = replLines[lastIdx] + right

	newLines := make([]string, 0, len(m.lines)-(endLine-startLine+1)+len(replLines))
	newLines = append(newLines, m.lines[:startLine]...)
	newLines = append(newLines, replLines...)
	newLines = append(newLines, m.lines[endLine+1:]...)
	m.lines = newLines

	m.cursorY = startLine + lastIdx
	m.cursorX = endX
}

// =============================================================================
// 补全建议 (Ghost Text)
// =============================================================================

// refreshSuggestion 根据光标前缀更新 ghost text
func (m *Model) refreshSuggestion() {
	if m.cursorY >= len(m.lines) {
		m.suggestion = ""
		return
	}
	prefix := currentPrefix(m.lines[m.cursorY], m.cursorX)
	m.suggestion = suggestFor(prefix, m.lines)
}

// currentPrefix 取光标前的补全前缀（标识符字符 + 模块点号）
func currentPrefix(line string, x int) string {
	if x > len(line) {
		x = len(line)
	}
	start := x
	for start > 0 {
		c := line[start-1]
		if c == '_' || c == '.' || c == '\'' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			start--
			continue
		}
		break
	}
	return line[start:x]
}

// suggestFor 返回第一个匹配候选中尚未输入的部分；没有匹配返回空串
func suggestFor(prefix string, lines []string) string {
	if len(prefix) < 2 {
		return ""
	}
	items := GetCompletions(prefix, lines)
	if len(items) == 0 {
		return ""
	}

	// 成员访问时只和点号后的部分比较
	typed := prefix
	if idx := strings.LastIndex(prefix, "."); idx >= 0 {
		typed = prefix[idx+1:]
	}

	for _, item := range items {
		insert := item.InsertText
		if len(insert) > len(typed) && strings.HasPrefix(strings.ToLower(insert), strings.ToLower(typed)) {
			return insert[len(typed):]
		}
	}
	return ""
}

// =============================================================================
// 单例结果面板
// =============================================================================

// showPanel 覆盖式写入面板并展示（不抢编辑器焦点）
func (m *Model) showPanel(title, content string) {
	m.panelTitle = title
	m.panelContent = strings.TrimRight(content, "\n")
	m.showPanel_ = true
	m.syncSizes()
}

func (m *Model) closePanel() {
	m.showPanel_ = false
	m.syncSizes()
}

// =============================================================================
// 语法高亮
// =============================================================================

// highlight 使用 Chroma 对内容进行语法高亮
// 已优化：使用 Model 中缓存的 Lexer/Style/Formatter
func (m Model) highlight(content string) string {
	// 如果没有缓存 (e.g. 新文件未加载完毕), 使用 fallback
	if m.cachedLexer == nil {
		return content
	}

	iterator, err := m.cachedLexer.Tokenise(nil, content)
	if err != nil {
		return content
	}

	var buf bytes.Buffer
	if err := m.cachedFormatter.Format(&buf, m.cachedStyle, iterator); err != nil {
		return content
	}

	return buf.String()
}

// highlightLine 高亮单行内容
func (m Model) highlightLine(line string) string {
	return strings.TrimSuffix(m.highlight(line), "\n")
}

// =============================================================================
// 视图渲染
// =============================================================================

// syncSizes 立即同步布局尺寸 (解决 State Lag 问题)
func (m *Model) syncSizes() {
	pw := 0
	if m.showPanel_ {
		pw = panelWidth
	}

	editorWidth := m.width - pw
	if editorWidth < 10 {
		editorWidth = 10
	}

	statusBar := m.renderStatusBar()
	statusBarHeight := lipgloss.Height(statusBar)

	contentHeight := m.height - statusBarHeight
	if contentHeight < 0 {
		contentHeight = 0
	}

	m.cachedPanelWidth = pw
	m.cachedEditorWidth = editorWidth
	m.cachedContentHeight = contentHeight
}

// calculateSizes 集中计算布局尺寸 (Atomic Layout)
func (m Model) calculateSizes() (int, int, int) {
	if m.cachedPanelWidth > 0 || m.cachedEditorWidth > 0 {
		return m.cachedPanelWidth, m.cachedEditorWidth, m.cachedContentHeight
	}

	// Fallback: 手动计算 (初始化时)
	statusBar := m.renderStatusBar()
	statusBarHeight := lipgloss.Height(statusBar)

	pw := 0
	if m.showPanel_ {
		pw = panelWidth
	}
	editorWidth := m.width - pw
	contentHeight := m.height - statusBarHeight
	if contentHeight < 0 {
		contentHeight = 0
	}

	return pw, editorWidth, contentHeight
}

// View 渲染 UI
func (m Model) View() string {
	if m.width < 40 || m.height < 10 {
		return "窗口太小，请调整尺寸 (Window too small)"
	}

	// 1. 原子化计算布局尺寸
	pw, editorWidth, contentHeight := m.calculateSizes()

	// 2. 渲染编辑器
	editorView := m.renderEditor(editorWidth, contentHeight)
	editorView = lipgloss.Place(editorWidth, contentHeight, lipgloss.Left, lipgloss.Top, editorView)

	// 3. 渲染结果面板 (如果可见)
	var mainContent string
	if pw > 0 {
		panelView := m.renderPanel(pw, contentHeight)
		panelView = lipgloss.Place(pw, contentHeight, lipgloss.Left, lipgloss.Top, panelView)
		mainContent = lipgloss.JoinHorizontal(lipgloss.Top, editorView, panelView)
	} else {
		mainContent = editorView
	}

	// 4. 渲染状态栏 (底部)
	statusBar := m.renderStatusBar()

	// 5. Final assembly
	frame := lipgloss.JoinVertical(lipgloss.Left, mainContent, statusBar)

	// 6. Full-Frame Lock: 强制最终输出为精确尺寸
	// 这保证每次渲染的字符串结构完全一致，终端可以正确地原地覆盖像素
	return lipgloss.Place(m.width, m.height, lipgloss.Left, lipgloss.Top, frame)
}

// renderWindow 渲染通用带边框窗口
func renderWindow(content string, title string, isActive bool, width, height int) string {
	borderColor := lipgloss.Color("240") // Default Gray
	if isActive {
		borderColor = lipgloss.Color("205") // Active Pink
	}

	b := lipgloss.RoundedBorder()
	borderSt := lipgloss.NewStyle().Foreground(borderColor)
	titleSt := lipgloss.NewStyle().Foreground(borderColor).Bold(true)

	// 内容区域尺寸 (减去左右边框各1，上下边框各1)
	innerWidth := width - 2
	innerHeight := height - 2
	if innerWidth < 0 {
		innerWidth = 0
	}
	if innerHeight < 0 {
		innerHeight = 0
	}

	// 处理内容：确保精确的行数和宽度
	contentLines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	var paddedLines []string
	for i := 0; i < innerHeight; i++ {
		var line string
		if i < len(contentLines) {
			line = contentLines[i]
		}
		// 使用 lipgloss.Width 正确计算带 ANSI 码的宽度
		lineWidth := lipgloss.Width(line)
		if lineWidth < innerWidth {
			line = line + strings.Repeat(" ", innerWidth-lineWidth)
		}
		// 注意：不在此处截断，因为截断带 ANSI 码的字符串可能破坏转义序列
		// 依赖上层渲染函数控制内容宽度
		paddedLines = append(paddedLines, line)
	}

	var result strings.Builder
	result.Grow((width + 2) * (height + 1))

	// 1. 顶部边框 + 标题: ╭─Title────────╮
	leftStr := b.TopLeft + b.Top
	titleW := lipgloss.Width(title)
	dashCount := width - lipgloss.Width(leftStr) - titleW - lipgloss.Width(b.TopRight)
	if dashCount < 0 {
		dashCount = 0
	}
	rightStr := strings.Repeat(b.Top, dashCount) + b.TopRight
	topLine := borderSt.Render(leftStr) + titleSt.Render(title) + borderSt.Render(rightStr)
	result.WriteString(topLine)
	result.WriteString("\n")

	// 2. 中间内容行: │content│
	leftBorder := borderSt.Render(b.Left)
	rightBorder := borderSt.Render(b.Right)
	for _, line := range paddedLines {
		result.WriteString(leftBorder)
		result.WriteString(line)
		result.WriteString(rightBorder)
		result.WriteString("\n")
	}

	// 3. 底部边框: ╰──────────────╯
	result.WriteString(borderSt.Render(b.BottomLeft + strings.Repeat(b.Bottom, innerWidth) + b.BottomRight))

	return result.String()
}

// renderEditor 渲染编辑器区域
func (m Model) renderEditor(width, height int) string {
	var lines []string

	contentWidth := width - 2
	contentHeight := height - 2 // Border top/bottom take 1 each

	// 行号区域宽度 (4 char + " │ " 3 char = 7)
	codeWidth := contentWidth - 7
	if codeWidth < 1 {
		codeWidth = 1
	}

	for i := 0; i < contentHeight; i++ {
		if i < len(m.lines) {
			lineNum := lineNumberStyle.Render(fmt.Sprintf("%d", i+1))
			lineContent := m.renderLine(i)

			lineContent = strings.ReplaceAll(lineContent, "\n", "")

			// 强制截断/填充
			lineStyle := lipgloss.NewStyle().Width(codeWidth).MaxWidth(codeWidth)
			renderedContent := lineStyle.Render(lineContent)

			// 再次处理换行（lipgloss可能引入）
			if strings.Contains(renderedContent, "\n") {
				renderedContent = strings.Split(renderedContent, "\n")[0]
			}

			lines = append(lines, fmt.Sprintf("%s │ %s", lineNum, renderedContent))
		} else {
			lineNum := lineNumberStyle.Render("~")
			lines = append(lines, fmt.Sprintf("%s │", lineNum))
		}
	}

	title := fmt.Sprintf("Edit:%s", filepath.Base(m.filename))
	if m.filename == "" {
		title = "[No Name]"
	}

	return renderWindow(strings.Join(lines, "\n"), title, true, width, height)
}

// renderPanel 渲染单例结果面板 (Types/Doc/Search/...)
func (m Model) renderPanel(width, height int) string {
	contentWidth := width - 2
	if contentWidth < 1 {
		contentWidth = 1
	}

	// 手动按宽度折行，避免 ANSI 截断问题。
	// 按 rune 切分，多字节文本（文档里的中文等）不能被切在字节中间
	var lines []string
	for _, raw := range strings.Split(m.panelContent, "\n") {
		runes := []rune(raw)
		if len(runes) == 0 {
			lines = append(lines, "")
			continue
		}
		for len(runes) > contentWidth {
			lines = append(lines, string(runes[:contentWidth]))
			runes = runes[contentWidth:]
		}
		lines = append(lines, string(runes))
	}

	// 面板从不持有焦点
	return renderWindow(strings.Join(lines, "\n"), m.panelTitle, false, width, height)
}

// lineSpan 计算区间 r 在第 lineIdx 行上覆盖的列范围
func lineSpan(r Range, lineIdx, lineLen int) (int, int, bool) {
	if lineIdx < r.Start.Line || lineIdx > r.End.Line {
		return 0, 0, false
	}
	start := 0
	if lineIdx == r.Start.Line {
		start = r.Start.Character
	}
	end := lineLen
	if lineIdx == r.End.Line && r.End.Character < lineLen {
		end = r.End.Character
	}
	start = clamp(start, 0, lineLen)
	end = clamp(end, start, lineLen)
	return start, end, true
}

// renderLine 渲染单行文本，包含光标、包围高亮和语法高亮
func (m Model) renderLine(lineIndex int) string {
	line := m.lines[lineIndex]

	// 包围高亮行：用独立样式渲染覆盖的片段
	// 注意：这里不叠加语法高亮，ANSI 转义码会和覆盖片段互相干扰
	if m.hlRange != nil {
		if start, end, ok := lineSpan(*m.hlRange, lineIndex, len(line)); ok {
			before := line[:start]
			covered := line[start:end]
			after := line[end:]
			return before + enclosingFaceStyle.Render(covered) + after
		}
	}

	// 非光标行直接语法高亮
	if lineIndex != m.cursorY {
		return m.highlightLine(line)
	}

	// 当前行需要显示光标
	// 光标行暂时不应用语法高亮，ANSI 转义码会影响光标位置计算
	if m.cursorX >= len(line) {
		suggestion := ""
		if m.suggestion != "" {
			suggestion = suggestionStyle.Render(m.suggestion)
		}
		return cursorLineStyle.Render(line+"█") + suggestion
	}

	before := line[:m.cursorX]
	cursor := string(line[m.cursorX])
	after := line[m.cursorX+1:]

	cursorStyle := lipgloss.NewStyle().
		Background(lipgloss.Color("230")).
		Foreground(lipgloss.Color("0"))

	suggestion := ""
	if m.suggestion != "" {
		suggestion = suggestionStyle.Render(m.suggestion)
	}

	return cursorLineStyle.Render(before+cursorStyle.Render(cursor)+after) + suggestion
}

// renderStatusBar 渲染状态栏
func (m Model) renderStatusBar() string {
	var modeIndicator string
	switch m.mode {
	case NormalMode:
		modeIndicator = normalModeStyle.Render(" NORMAL ")
	case InsertMode:
		modeIndicator = insertModeStyle.Render(" INSERT ")
	case CommandMode:
		modeIndicator = commandModeStyle.Render(" COMMAND ")
	case EnclosingMode:
		// 提示临时按键表: k=外扩 j=内缩 t=详细 y=复制
		modeIndicator = enclosingModeStyle.Render(" TYPE k/j/t/y ")
	default:
		modeIndicator = normalModeStyle.Render(" NORMAL ")
	}

	// 位置信息
	position := fmt.Sprintf(" Ln %d, Col %d ", m.cursorY+1, m.cursorX+1)

	// LSP 连接状态
	lspStatus := " LSP: -- "
	if m.lsp != nil && m.lsp.Ready() {
		lspStatus = " LSP: OK "
	}

	leftPart := modeIndicator
	rightPart := statusBarStyle.Render(lspStatus) + statusBarStyle.Render(position)

	availWidth := m.width - lipgloss.Width(leftPart) - lipgloss.Width(rightPart)
	if availWidth < 0 {
		availWidth = 0
	}

	middleContent := fmt.Sprintf(" %s", m.statusMsg)
	middlePart := statusBarStyle.Width(availWidth).Render(middleContent)

	return leftPart + middlePart + rightPart
}

// =============================================================================
// 主函数
// =============================================================================

func main() {
	// 请求超时可通过环境变量覆盖（毫秒）
	if v := os.Getenv("OCAMVIM_LSP_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			lspRequestTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	m := initialModel()
	p := tea.NewProgram(
		m,
		tea.WithAltScreen(), // 使用备用屏幕（退出时恢复原终端内容）
	)
	globalProgram = p

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}

	m.lsp.Stop()
}
