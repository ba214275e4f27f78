package main

import (
	"sort"
	"strings"
	"unicode"
)

// completion.go - 简单实用的 OCaml 静态补全系统
// 为插入模式的 ghost text 提供候选：关键字 + 代码片段 + Stdlib 模块成员 + 文件内标识符

// CompletionItemSimple 简化的补全项
type CompletionItemSimple struct {
	Label      string // 显示的文本
	InsertText string // 实际插入的文本（可包含模板）
	Detail     string // 描述
	Kind       string // 类型：func, val, keyword, snippet, module
}

// GetCompletions 获取补全列表
// prefix: 当前输入的前缀 (如 "List." 或 "mat")
// lines: 当前文件的所有行
func GetCompletions(prefix string, lines []string) []CompletionItemSimple {
	var results []CompletionItemSimple

	// 检查是否是模块成员访问 (如 List.xxx, Printf.xxx)
	if idx := strings.LastIndex(prefix, "."); idx >= 0 {
		mod := prefix[:idx]
		memberPrefix := ""
		if idx+1 < len(prefix) {
			memberPrefix = prefix[idx+1:]
		}
		if members, ok := ocamlModuleCompletions[mod]; ok {
			for _, item := range members {
				if memberPrefix == "" || strings.HasPrefix(strings.ToLower(item.Label), strings.ToLower(memberPrefix)) {
					results = append(results, item)
				}
			}
		}
		return results
	}

	lowerPrefix := strings.ToLower(prefix)

	// 1. 语言关键字
	for _, item := range ocamlKeywords {
		if strings.HasPrefix(strings.ToLower(item.Label), lowerPrefix) {
			results = append(results, item)
		}
	}

	// 2. 常用代码片段
	for _, item := range ocamlSnippets {
		if strings.HasPrefix(strings.ToLower(item.Label), lowerPrefix) {
			results = append(results, item)
		}
	}

	// 3. Stdlib 模块名
	for mod := range ocamlModuleCompletions {
		if strings.HasPrefix(strings.ToLower(mod), lowerPrefix) {
			results = append(results, CompletionItemSimple{
				Label:      mod,
				InsertText: mod + ".",
				Detail:     "module",
				Kind:       "module",
			})
		}
	}

	// 4. 文件内标识符
	for _, id := range extractIdentifiers(lines) {
		if id != prefix && strings.HasPrefix(strings.ToLower(id), lowerPrefix) {
			results = append(results, CompletionItemSimple{
				Label:      id,
				InsertText: id,
				Detail:     "identifier",
				Kind:       "val",
			})
		}
	}

	// 去重
	seen := make(map[string]bool)
	var unique []CompletionItemSimple
	for _, item := range results {
		if !seen[item.Label] {
			seen[item.Label] = true
			unique = append(unique, item)
		}
	}

	// 按类型和名称排序
	sort.Slice(unique, func(i, j int) bool {
		priority := map[string]int{"snippet": 0, "keyword": 1, "func": 2, "module": 3, "val": 4}
		pi, pj := priority[unique[i].Kind], priority[unique[j].Kind]
		if pi != pj {
			return pi < pj
		}
		return unique[i].Label < unique[j].Label
	})

	// 限制最多 15 个
	if len(unique) > 15 {
		unique = unique[:15]
	}

	return unique
}

// extractIdentifiers 从代码中提取标识符
func extractIdentifiers(lines []string) []string {
	seen := make(map[string]bool)
	var result []string

	for _, line := range lines {
		for _, word := range extractWords(line) {
			if len(word) >= 2 && !isKeyword(word) && !seen[word] {
				seen[word] = true
				result = append(result, word)
			}
		}
	}

	return result
}

func extractWords(s string) []string {
	var words []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			word := current.String()
			// 必须以字母开头 (OCaml 标识符也允许 ' 结尾，如 x')
			if unicode.IsLetter(rune(word[0])) {
				words = append(words, word)
			}
			current.Reset()
		}
	}

	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '\'' {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()

	return words
}

func isKeyword(word string) bool {
	keywords := map[string]bool{
		"and": true, "as": true, "assert": true, "begin": true, "done": true,
		"downto": true, "else": true, "end": true, "exception": true,
		"external": true, "false": true, "for": true, "fun": true,
		"function": true, "functor": true, "if": true, "in": true,
		"include": true, "let": true, "match": true, "method": true,
		"module": true, "mutable": true, "object": true, "of": true,
		"open": true, "rec": true, "sig": true, "struct": true, "then": true,
		"to": true, "true": true, "try": true, "type": true, "val": true,
		"when": true, "while": true, "with": true,
	}
	return keywords[word]
}

// =============================================================================
// OCaml 补全数据
// =============================================================================

var ocamlKeywords = []CompletionItemSimple{
	{Label: "let", InsertText: "let ", Detail: "let binding", Kind: "keyword"},
	{Label: "match", InsertText: "match ", Detail: "pattern match", Kind: "keyword"},
	{Label: "fun", InsertText: "fun ", Detail: "anonymous function", Kind: "keyword"},
	{Label: "function", InsertText: "function ", Detail: "pattern-matching function", Kind: "keyword"},
	{Label: "type", InsertText: "type ", Detail: "type declaration", Kind: "keyword"},
	{Label: "module", InsertText: "module ", Detail: "module declaration", Kind: "keyword"},
	{Label: "open", InsertText: "open ", Detail: "open module", Kind: "keyword"},
	{Label: "include", InsertText: "include ", Detail: "include module", Kind: "keyword"},
	{Label: "begin", InsertText: "begin\n  \nend", Detail: "begin...end block", Kind: "keyword"},
	{Label: "if", InsertText: "if ", Detail: "conditional", Kind: "keyword"},
	{Label: "then", InsertText: "then ", Detail: "then branch", Kind: "keyword"},
	{Label: "else", InsertText: "else ", Detail: "else branch", Kind: "keyword"},
	{Label: "try", InsertText: "try ", Detail: "exception handler", Kind: "keyword"},
	{Label: "with", InsertText: "with ", Detail: "match/try cases", Kind: "keyword"},
	{Label: "when", InsertText: "when ", Detail: "pattern guard", Kind: "keyword"},
	{Label: "rec", InsertText: "rec ", Detail: "recursive binding", Kind: "keyword"},
	{Label: "mutable", InsertText: "mutable ", Detail: "mutable field", Kind: "keyword"},
	{Label: "exception", InsertText: "exception ", Detail: "exception declaration", Kind: "keyword"},
	{Label: "assert", InsertText: "assert ", Detail: "assertion", Kind: "keyword"},
	{Label: "raise", InsertText: "raise ", Detail: "raise exception", Kind: "func"},
	{Label: "ignore", InsertText: "ignore ", Detail: "val ignore : 'a -> unit", Kind: "func"},
	{Label: "failwith", InsertText: "failwith \"\"", Detail: "val failwith : string -> 'a", Kind: "func"},
}

var ocamlSnippets = []CompletionItemSimple{
	{Label: "letin", InsertText: "let  =  in\n", Detail: "let ... in", Kind: "snippet"},
	{Label: "letrec", InsertText: "let rec  =\n  ", Detail: "recursive function", Kind: "snippet"},
	{Label: "matchw", InsertText: "match  with\n| ", Detail: "match ... with", Kind: "snippet"},
	{Label: "funm", InsertText: "function\n| ", Detail: "function cases", Kind: "snippet"},
	{Label: "modstruct", InsertText: "module  = struct\n  \nend", Detail: "module definition", Kind: "snippet"},
	{Label: "modsig", InsertText: "module type  = sig\n  \nend", Detail: "module signature", Kind: "snippet"},
	{Label: "typevariant", InsertText: "type  =\n  | ", Detail: "variant type", Kind: "snippet"},
	{Label: "typerecord", InsertText: "type  = {\n  : ;\n}", Detail: "record type", Kind: "snippet"},
	{Label: "printf", InsertText: "Printf.printf \"%s\\n\" ", Detail: "formatted print", Kind: "snippet"},
	{Label: "testunit", InsertText: "let () =\n  ", Detail: "toplevel entry", Kind: "snippet"},
}

// 常用 Stdlib 模块的成员补全
var ocamlModuleCompletions = map[string][]CompletionItemSimple{
	"List": {
		{Label: "map", InsertText: "map ", Detail: "('a -> 'b) -> 'a list -> 'b list", Kind: "func"},
		{Label: "iter", InsertText: "iter ", Detail: "('a -> unit) -> 'a list -> unit", Kind: "func"},
		{Label: "filter", InsertText: "filter ", Detail: "('a -> bool) -> 'a list -> 'a list", Kind: "func"},
		{Label: "fold_left", InsertText: "fold_left ", Detail: "('acc -> 'a -> 'acc) -> 'acc -> 'a list -> 'acc", Kind: "func"},
		{Label: "fold_right", InsertText: "fold_right ", Detail: "('a -> 'acc -> 'acc) -> 'a list -> 'acc -> 'acc", Kind: "func"},
		{Label: "length", InsertText: "length ", Detail: "'a list -> int", Kind: "func"},
		{Label: "rev", InsertText: "rev ", Detail: "'a list -> 'a list", Kind: "func"},
		{Label: "hd", InsertText: "hd ", Detail: "'a list -> 'a", Kind: "func"},
		{Label: "tl", InsertText: "tl ", Detail: "'a list -> 'a list", Kind: "func"},
		{Label: "nth", InsertText: "nth ", Detail: "'a list -> int -> 'a", Kind: "func"},
		{Label: "mem", InsertText: "mem ", Detail: "'a -> 'a list -> bool", Kind: "func"},
		{Label: "sort", InsertText: "sort ", Detail: "('a -> 'a -> int) -> 'a list -> 'a list", Kind: "func"},
		{Label: "concat", InsertText: "concat ", Detail: "'a list list -> 'a list", Kind: "func"},
		{Label: "assoc", InsertText: "assoc ", Detail: "'a -> ('a * 'b) list -> 'b", Kind: "func"},
	},
	"String": {
		{Label: "length", InsertText: "length ", Detail: "string -> int", Kind: "func"},
		{Label: "sub", InsertText: "sub ", Detail: "string -> int -> int -> string", Kind: "func"},
		{Label: "concat", InsertText: "concat ", Detail: "string -> string list -> string", Kind: "func"},
		{Label: "split_on_char", InsertText: "split_on_char ", Detail: "char -> string -> string list", Kind: "func"},
		{Label: "trim", InsertText: "trim ", Detail: "string -> string", Kind: "func"},
		{Label: "uppercase_ascii", InsertText: "uppercase_ascii ", Detail: "string -> string", Kind: "func"},
		{Label: "lowercase_ascii", InsertText: "lowercase_ascii ", Detail: "string -> string", Kind: "func"},
		{Label: "contains", InsertText: "contains ", Detail: "string -> char -> bool", Kind: "func"},
		{Label: "equal", InsertText: "equal ", Detail: "string -> string -> bool", Kind: "func"},
		{Label: "make", InsertText: "make ", Detail: "int -> char -> string", Kind: "func"},
	},
	"Printf": {
		{Label: "printf", InsertText: "printf ", Detail: "('a, out_channel, unit) format -> 'a", Kind: "func"},
		{Label: "eprintf", InsertText: "eprintf ", Detail: "('a, out_channel, unit) format -> 'a", Kind: "func"},
		{Label: "sprintf", InsertText: "sprintf ", Detail: "('a, unit, string) format -> 'a", Kind: "func"},
		{Label: "fprintf", InsertText: "fprintf ", Detail: "out_channel -> ('a, out_channel, unit) format -> 'a", Kind: "func"},
	},
	"Option": {
		{Label: "map", InsertText: "map ", Detail: "('a -> 'b) -> 'a option -> 'b option", Kind: "func"},
		{Label: "bind", InsertText: "bind ", Detail: "'a option -> ('a -> 'b option) -> 'b option", Kind: "func"},
		{Label: "value", InsertText: "value ", Detail: "'a option -> default:'a -> 'a", Kind: "func"},
		{Label: "get", InsertText: "get ", Detail: "'a option -> 'a", Kind: "func"},
		{Label: "is_some", InsertText: "is_some ", Detail: "'a option -> bool", Kind: "func"},
		{Label: "is_none", InsertText: "is_none ", Detail: "'a option -> bool", Kind: "func"},
	},
	"Result": {
		{Label: "map", InsertText: "map ", Detail: "('a -> 'b) -> ('a, 'e) result -> ('b, 'e) result", Kind: "func"},
		{Label: "bind", InsertText: "bind ", Detail: "('a, 'e) result -> ('a -> ('b, 'e) result) -> ('b, 'e) result", Kind: "func"},
		{Label: "ok", InsertText: "ok ", Detail: "'a -> ('a, 'e) result", Kind: "func"},
		{Label: "get_ok", InsertText: "get_ok ", Detail: "('a, 'e) result -> 'a", Kind: "func"},
	},
	"Array": {
		{Label: "length", InsertText: "length ", Detail: "'a array -> int", Kind: "func"},
		{Label: "map", InsertText: "map ", Detail: "('a -> 'b) -> 'a array -> 'b array", Kind: "func"},
		{Label: "iter", InsertText: "iter ", Detail: "('a -> unit) -> 'a array -> unit", Kind: "func"},
		{Label: "make", InsertText: "make ", Detail: "int -> 'a -> 'a array", Kind: "func"},
		{Label: "to_list", InsertText: "to_list ", Detail: "'a array -> 'a list", Kind: "func"},
		{Label: "of_list", InsertText: "of_list ", Detail: "'a list -> 'a array", Kind: "func"},
	},
	"Hashtbl": {
		{Label: "create", InsertText: "create ", Detail: "int -> ('a, 'b) t", Kind: "func"},
		{Label: "add", InsertText: "add ", Detail: "('a, 'b) t -> 'a -> 'b -> unit", Kind: "func"},
		{Label: "find", InsertText: "find ", Detail: "('a, 'b) t -> 'a -> 'b", Kind: "func"},
		{Label: "find_opt", InsertText: "find_opt ", Detail: "('a, 'b) t -> 'a -> 'b option", Kind: "func"},
		{Label: "mem", InsertText: "mem ", Detail: "('a, 'b) t -> 'a -> bool", Kind: "func"},
		{Label: "remove", InsertText: "remove ", Detail: "('a, 'b) t -> 'a -> unit", Kind: "func"},
	},
	"Buffer": {
		{Label: "create", InsertText: "create ", Detail: "int -> t", Kind: "func"},
		{Label: "add_string", InsertText: "add_string ", Detail: "t -> string -> unit", Kind: "func"},
		{Label: "contents", InsertText: "contents ", Detail: "t -> string", Kind: "func"},
	},
	"Format": {
		{Label: "printf", InsertText: "printf ", Detail: "('a, formatter, unit) format -> 'a", Kind: "func"},
		{Label: "asprintf", InsertText: "asprintf ", Detail: "('a, formatter, unit, string) format4 -> 'a", Kind: "func"},
		{Label: "fprintf", InsertText: "fprintf ", Detail: "formatter -> ('a, formatter, unit) format -> 'a", Kind: "func"},
	},
}
