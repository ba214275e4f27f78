package main

import (
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readyModel() Model {
	m := newTestModel()
	m.lsp = &LSPClient{isReady: true, pending: make(map[int]chan BaseResponse)}
	return m
}

func TestUnmarshalResultNull(t *testing.T) {
	var result ConstructResult
	require.NoError(t, unmarshalResult(nil, &result))
	require.NoError(t, unmarshalResult(json.RawMessage("null"), &result))
	assert.Empty(t, result.Result)

	require.NoError(t, unmarshalResult(json.RawMessage(`{"position":{"start":{"line":0,"character":8},"end":{"line":0,"character":9}},"result":["0","1"]}`), &result))
	assert.Equal(t, []string{"0", "1"}, result.Result)
}

// =============================================================================
// :命令 解析
// =============================================================================

func TestRunOCamlCommandUnknown(t *testing.T) {
	m := readyModel()
	cmd, handled := m.runOCamlCommand("frobnicate")
	assert.False(t, handled)
	assert.Nil(t, cmd)
}

func TestRunOCamlCommandRequiresLSP(t *testing.T) {
	m := newTestModel() // lsp 为 nil
	cmd, handled := m.runOCamlCommand("doc")
	assert.True(t, handled)
	assert.Nil(t, cmd)
	assert.Contains(t, m.statusMsg, "ocamllsp 未就绪")
}

func TestRunOCamlCommandRequiresFile(t *testing.T) {
	m := readyModel()
	m.filename = ""
	cmd, handled := m.runOCamlCommand("switch")
	assert.True(t, handled)
	assert.Nil(t, cmd)
	assert.Contains(t, m.statusMsg, "没有打开的文件")
}

func TestRunOCamlCommandSearchUsage(t *testing.T) {
	m := readyModel()
	cmd, handled := m.runOCamlCommand("search")
	assert.True(t, handled)
	assert.Nil(t, cmd)
	assert.Contains(t, m.statusMsg, "用法")
}

func TestRunOCamlCommandDispatch(t *testing.T) {
	for _, cmdline := range []string{
		"construct",
		"doc",
		"doc List.map",
		"search 'a -> int",
		"switch",
		"infer",
		"jump",
		"jump fun",
	} {
		m := readyModel()
		cmd, handled := m.runOCamlCommand(cmdline)
		assert.True(t, handled, cmdline)
		assert.NotNil(t, cmd, cmdline)
	}
}

// =============================================================================
// construct 插入
// =============================================================================

func TestInsertConstructReplacesHole(t *testing.T) {
	m := readyModel()
	m.lines = []string{"let x = _"}
	m.lastConstruct = &ConstructResult{
		Position: mkRange(0, 8, 0, 9),
		Result:   []string{"0", "1"},
	}

	cmd := m.insertConstruct(1)
	assert.NotNil(t, cmd, "插入后必须同步文档")
	assert.Equal(t, "let x = 0", m.lines[0])
	assert.Equal(t, 0, m.cursorY)
	assert.Equal(t, 9, m.cursorX)
	assert.Nil(t, m.lastConstruct, "候选列表一次性消费")
	assert.Contains(t, m.statusMsg, "✓")
}

func TestInsertConstructViaCommand(t *testing.T) {
	m := readyModel()
	m.lines = []string{"let x = _"}
	m.lastConstruct = &ConstructResult{
		Position: mkRange(0, 8, 0, 9),
		Result:   []string{"succ 0"},
	}

	cmd, handled := m.runOCamlCommand("construct 1")
	assert.True(t, handled)
	assert.NotNil(t, cmd)
	assert.Equal(t, "let x = succ 0", m.lines[0])
}

func TestInsertConstructInvalidIndex(t *testing.T) {
	m := readyModel()
	m.lines = []string{"let x = _"}
	m.lastConstruct = &ConstructResult{
		Position: mkRange(0, 8, 0, 9),
		Result:   []string{"0"},
	}

	cmd := m.insertConstruct(5)
	assert.Nil(t, cmd)
	assert.Equal(t, "let x = _", m.lines[0], "无效编号不得改动缓冲区")
	assert.Contains(t, m.statusMsg, "无效候选编号")
}

func TestReplaceRangeMultiLine(t *testing.T) {
	m := newTestModel()
	m.lines = []string{"match x with", "| None -> _", "| Some y -> y"}

	m.replaceRange(mkRange(1, 10, 1, 11), "(match y with\n| 0 -> 1\n| n -> n)")

	assert.Equal(t, []string{
		"match x with",
		"| None -> (match y with",
		"| 0 -> 1",
		"| n -> n)",
		"| Some y -> y",
	}, m.lines)
	assert.Equal(t, 3, m.cursorY)
	assert.Equal(t, len("| n -> n)"), m.cursorX)
}

func TestReplaceRangeClampsOutOfBounds(t *testing.T) {
	m := newTestModel()
	m.lines = []string{"short"}

	m.replaceRange(mkRange(0, 3, 9, 99), "X")
	assert.Equal(t, []string{"shoX"}, m.lines)
}

// =============================================================================
// 结果处理
// =============================================================================

func TestHandleConstructMsgShowsCandidates(t *testing.T) {
	m := newTestModel()
	model, _ := m.handleConstructMsg(constructMsg{
		result: ConstructResult{
			Position: mkRange(0, 8, 0, 9),
			Result:   []string{"None", "Some _"},
		},
	})

	got := model.(Model)
	require.NotNil(t, got.lastConstruct)
	assert.True(t, got.showPanel_)
	assert.Equal(t, "Construct", got.panelTitle)
	assert.Contains(t, got.panelContent, "1. None")
	assert.Contains(t, got.panelContent, "2. Some _")
	assert.Contains(t, got.panelContent, ":construct <n>")
}

func TestHandleConstructMsgNotAHole(t *testing.T) {
	m := newTestModel()
	model, _ := m.handleConstructMsg(constructMsg{})
	got := model.(Model)
	assert.Contains(t, got.statusMsg, "不是可填的洞")
	assert.False(t, got.showPanel_)
}

func TestHandleDocMsg(t *testing.T) {
	m := newTestModel()
	model, _ := m.handleDocMsg(docMsg{doc: "List.map f [a1; ...; an] applies f"})
	got := model.(Model)
	assert.Equal(t, "Doc", got.panelTitle)
	assert.Contains(t, got.panelContent, "applies f")

	model, _ = m.handleDocMsg(docMsg{doc: "  "})
	got = model.(Model)
	assert.Contains(t, got.statusMsg, "没有找到文档")
}

func TestHandleSearchMsgRendersEntries(t *testing.T) {
	m := newTestModel()
	model, _ := m.handleSearchMsg(searchMsg{
		query: "int -> string",
		entries: []TypeSearchEntry{
			{Name: "string_of_int", Typ: "int -> string", Doc: MarkupContent{Value: "Convert.\nSecond line."}},
			{Name: "Int.to_string", Typ: "int -> string"},
		},
	})

	got := model.(Model)
	assert.Equal(t, "Search", got.panelTitle)
	assert.Contains(t, got.panelContent, "string_of_int : int -> string")
	assert.Contains(t, got.panelContent, "Convert.")
	assert.NotContains(t, got.panelContent, "Second line.", "文档只显示第一行")
}

func TestHandleSearchMsgNoMatch(t *testing.T) {
	m := newTestModel()
	model, _ := m.handleSearchMsg(searchMsg{query: "xyzzy"})
	got := model.(Model)
	assert.Contains(t, got.statusMsg, "没有匹配")
}

func TestHandleSwitchFileMsg(t *testing.T) {
	m := newTestModel()
	m.filename = "/tmp/code.ml"
	model, cmd := m.handleSwitchFileMsg(switchFileMsg{files: []string{"file:///tmp/code.mli"}})
	got := model.(Model)
	assert.NotNil(t, cmd)
	// filename 在加载成功前不提交
	assert.Equal(t, "/tmp/code.ml", got.filename)
}

func TestSwitchFailedLoadKeepsBufferName(t *testing.T) {
	m := newTestModel()
	m.filename = "/tmp/code.ml"
	m.lines = []string{"let impl = 42"}

	model, _ := m.handleSwitchFileMsg(switchFileMsg{files: []string{"file:///tmp/code.mli"}})
	got := model.(Model)

	// 接口文件不存在：开空缓冲区，实现的内容绝不能挂在 .mli 名下
	model, _ = got.Update(fileLoadedMsg{filename: "/tmp/code.mli", err: os.ErrNotExist})
	got = model.(Model)
	assert.Equal(t, "/tmp/code.mli", got.filename)
	assert.Equal(t, []string{""}, got.lines)
	assert.Contains(t, got.statusMsg, "新文件")

	// 真正的读取错误：缓冲区和文件名都保持原样
	m2 := newTestModel()
	m2.filename = "/tmp/code.ml"
	m2.lines = []string{"let impl = 42"}
	model, _ = m2.Update(fileLoadedMsg{filename: "/tmp/code.mli", err: errors.New("permission denied")})
	got = model.(Model)
	assert.Equal(t, "/tmp/code.ml", got.filename)
	assert.Equal(t, []string{"let impl = 42"}, got.lines)
}

func TestHandleInferIntfMsgOnInterfaceFile(t *testing.T) {
	m := readyModel()
	m.filename = "test.mli"
	m.lines = []string{""}

	model, cmd := m.handleInferIntfMsg(inferIntfMsg{intf: "val x : int"})
	got := model.(Model)
	assert.NotNil(t, cmd)
	assert.Equal(t, "val x : int", got.lines[0])
}

func TestHandleInferIntfMsgOnImplementationShowsPanel(t *testing.T) {
	m := newTestModel()
	model, _ := m.handleInferIntfMsg(inferIntfMsg{intf: "val x : int"})
	got := model.(Model)
	assert.Equal(t, "Infer", got.panelTitle)
	assert.Equal(t, "val x : int", got.panelContent)
}

func TestHandleJumpMsgClampsCursor(t *testing.T) {
	m := newTestModel()
	m.lines = []string{"let x = 1", "let y = 2"}

	model, _ := m.handleJumpMsg(jumpMsg{jumps: []MerlinJump{
		{Target: "fun", Position: Position{Line: 99, Character: 99}},
	}})
	got := model.(Model)
	assert.Equal(t, 1, got.cursorY)
	assert.Equal(t, len("let y = 2"), got.cursorX)
}

func TestFirstLineAndClamp(t *testing.T) {
	assert.Equal(t, "a", firstLine("a\nb\nc"))
	assert.Equal(t, "single", firstLine("single"))

	assert.Equal(t, 0, clamp(-5, 0, 10))
	assert.Equal(t, 10, clamp(15, 0, 10))
	assert.Equal(t, 7, clamp(7, 0, 10))
}
