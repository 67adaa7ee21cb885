package markdown

import (
	"strings"
	"testing"
)

func TestRender_BoldItalic(t *testing.T) {
	got := Render("**bold** and *italic*")

	if !strings.Contains(got, "<strong>bold</strong>") {
		t.Errorf("expected <strong>bold</strong> in %q", got)
	}
	if !strings.Contains(got, "<em>italic</em>") {
		t.Errorf("expected <em>italic</em> in %q", got)
	}
	if strings.Contains(got, "*") {
		t.Errorf("no literal asterisks should remain, got %q", got)
	}
}

func TestRender_EscapesHTML(t *testing.T) {
	got := Render("<script>alert(1)</script>")

	if strings.Contains(got, "<script") {
		t.Fatalf("raw script tag must not survive, got %q", got)
	}
	if !strings.Contains(got, "&lt;script&gt;") {
		t.Errorf("expected escaped angle brackets, got %q", got)
	}
}

func TestRender_Table(t *testing.T) {
	got := Render("| a | b |\n|---|---|\n| 1 | 2 |")

	if !strings.Contains(got, "<table>") {
		t.Fatalf("expected a table, got %q", got)
	}
	if n := strings.Count(got, "<th>"); n != 2 {
		t.Errorf("expected 2 header cells, got %d in %q", n, got)
	}
	if n := strings.Count(got, "<td>"); n != 2 {
		t.Errorf("expected 2 body cells, got %d in %q", n, got)
	}
	if n := strings.Count(got, "<tr>"); n != 2 {
		t.Errorf("expected 2 rows, got %d in %q", n, got)
	}
}

func TestRender_TableWithAlignment(t *testing.T) {
	got := Render("| a | b |\n|:--|--:|\n| 1 | 2 |")
	if !strings.Contains(got, "<table>") {
		t.Errorf("colon-aligned separator should be accepted, got %q", got)
	}
}

func TestRender_MalformedTableFallsThrough(t *testing.T) {
	// 没有数据行，不构成表格
	got := Render("| a | b |\n|---|---|")
	if strings.Contains(got, "<table>") {
		t.Errorf("header+separator without body must not form a table, got %q", got)
	}
	if !strings.Contains(got, "<p>") {
		t.Errorf("malformed table should render as paragraph, got %q", got)
	}

	// 分隔行不合法
	got = Render("| a | b |\n| x | y |\n| 1 | 2 |")
	if strings.Contains(got, "<table>") {
		t.Errorf("missing separator row must not form a table, got %q", got)
	}
}

func TestRender_FencedCodeBlock(t *testing.T) {
	got := Render("```go\nfmt.Println(\"**hi**\") // a < b\n```")

	if !strings.Contains(got, `<span class="code-lang">go</span>`) {
		t.Errorf("expected language label, got %q", got)
	}
	if !strings.Contains(got, `<button class="copy-btn">`) {
		t.Errorf("expected copy button, got %q", got)
	}
	if !strings.Contains(got, "a &lt; b") {
		t.Errorf("code content must be escaped, got %q", got)
	}
	// 代码内部不做Markdown处理
	if strings.Contains(got, "<strong>") {
		t.Errorf("no markdown processing inside code, got %q", got)
	}
	if !strings.Contains(got, "**hi**") {
		t.Errorf("markers inside code must stay literal, got %q", got)
	}
}

func TestRender_CodeBlockKeepsBlankLines(t *testing.T) {
	got := Render("```\nline1\n\nline2\n```")
	if n := strings.Count(got, "<pre>"); n != 1 {
		t.Errorf("blank line inside a fence must not split it, got %d blocks: %q", n, got)
	}
}

func TestRender_UnterminatedFenceIsLiteral(t *testing.T) {
	got := Render("```go\nstill streaming")

	if strings.Contains(got, "<pre>") {
		t.Errorf("unterminated fence must not open a code block, got %q", got)
	}
	if !strings.Contains(got, "```go") {
		t.Errorf("unterminated fence should stay literal, got %q", got)
	}
}

func TestRender_UnterminatedBoldIsLiteral(t *testing.T) {
	got := Render("**still typ")
	if strings.Contains(got, "<strong>") {
		t.Errorf("unterminated bold must stay literal, got %q", got)
	}
}

func TestRender_InlineCode(t *testing.T) {
	got := Render("use `go build` here")
	if !strings.Contains(got, "<code>go build</code>") {
		t.Errorf("expected inline code, got %q", got)
	}
}

func TestRender_Headers(t *testing.T) {
	got := Render("# One\n\n## Two\n\n### Three")

	for _, want := range []string{"<h1>One</h1>", "<h2>Two</h2>", "<h3>Three</h3>"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %s in %q", want, got)
		}
	}
	if strings.Contains(got, "<p><h") {
		t.Errorf("headers must not be wrapped in paragraphs, got %q", got)
	}
}

func TestRender_Blockquote(t *testing.T) {
	got := Render("> quoted line\n> second line")

	if !strings.Contains(got, "<blockquote>") {
		t.Fatalf("expected blockquote, got %q", got)
	}
	if !strings.Contains(got, "quoted line") || !strings.Contains(got, "second line") {
		t.Errorf("quote content missing, got %q", got)
	}
	if strings.Contains(got, "&gt;") {
		t.Errorf("quote marker should be consumed, got %q", got)
	}
}

func TestRender_Lists(t *testing.T) {
	got := Render("- first\n- second")
	if !strings.Contains(got, "<ul><li>first</li><li>second</li></ul>") {
		t.Errorf("expected unordered list, got %q", got)
	}

	got = Render("1. first\n2. second")
	if !strings.Contains(got, "<ol><li>first</li><li>second</li></ol>") {
		t.Errorf("expected ordered list, got %q", got)
	}
}

func TestRender_Links(t *testing.T) {
	got := Render("see [docs](https://example.com/a)")
	if !strings.Contains(got, `<a href="https://example.com/a" target="_blank" rel="noopener noreferrer">docs</a>`) {
		t.Errorf("expected link, got %q", got)
	}
}

func TestRender_Paragraphs(t *testing.T) {
	got := Render("first block\nstill first\n\nsecond block")

	if n := strings.Count(got, "<p>"); n != 2 {
		t.Errorf("expected 2 paragraphs, got %d in %q", n, got)
	}
	if !strings.Contains(got, "first block<br>still first") {
		t.Errorf("single newline should become <br>, got %q", got)
	}
}

func TestRender_StructuralNotWrappedInParagraph(t *testing.T) {
	got := Render("intro\n\n- a\n- b\n\noutro")
	if strings.Contains(got, "<p><ul>") || strings.Contains(got, "<ul></p>") {
		t.Errorf("list must not sit inside a paragraph, got %q", got)
	}
}

func TestRender_Empty(t *testing.T) {
	if got := Render(""); got != "" {
		t.Errorf("empty input should render empty, got %q", got)
	}
}

// 模拟流式：对逐渐变长的前缀反复渲染，不能panic，
// 完整前缀的结果与一次性渲染一致
func TestRender_ProgressivePrefixes(t *testing.T) {
	full := "# Title\n\nSome **bold** text with `code`.\n\n```go\nfmt.Println(1)\n```\n\n" +
		"> a quote\n\n- one\n- two\n\n| a | b |\n|---|---|\n| 1 | 2 |\n\n[link](https://x.dev) done"

	runes := []rune(full)
	var last string
	for i := 1; i <= len(runes); i++ {
		last = Render(string(runes[:i]))
	}

	if want := Render(full); last != want {
		t.Errorf("prefix render did not converge:\nprefix: %q\nfull:   %q", last, want)
	}
}

func TestRenderTimed(t *testing.T) {
	h, ms := RenderTimed("**x**")
	if h != Render("**x**") {
		t.Error("RenderTimed should produce the same html as Render")
	}
	if ms < 0 {
		t.Errorf("negative render time %d", ms)
	}
}
