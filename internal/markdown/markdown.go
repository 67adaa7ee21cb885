// Package markdown 把模型输出的Markdown渲染成可安全插入DOM的HTML。
// 纯函数，流式过程中会对不断增长的前缀反复调用，因此必须容忍
// 未闭合的结构：未闭合的围栏/加粗按字面文本输出，不产生残缺标签。
package markdown

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
)

var (
	// 围栏代码块要求开闭围栏都在行首，未闭合时不匹配、按字面处理
	fenceRe      = regexp.MustCompile("(?ms)^```([A-Za-z0-9_+#.-]*)[ \t]*\n(.*?)^```[ \t]*$\n?")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
	boldRe       = regexp.MustCompile(`\*\*([^\n]+?)\*\*`)
	italicRe     = regexp.MustCompile(`\*([^*\n]+)\*`)
	linkRe       = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)\)`)
	h3Re         = regexp.MustCompile(`^### (.+)$`)
	h2Re         = regexp.MustCompile(`^## (.+)$`)
	h1Re         = regexp.MustCompile(`^# (.+)$`)
	ulItemRe     = regexp.MustCompile(`^- (.+)$`)
	olItemRe     = regexp.MustCompile(`^\d+\. (.+)$`)
	tableSepRe   = regexp.MustCompile(`^:?-+:?$`)
)

// Render Markdown → HTML。所有用户/模型文本先转义再嵌入输出
func Render(text string) string {
	if text == "" {
		return ""
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")

	// 先摘出围栏代码块，替换成占位符，避免后续各遍处理污染代码内容
	var blocks []string
	text = fenceRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := fenceRe.FindStringSubmatch(m)
		lang := sub[1]
		if lang == "" {
			lang = "text"
		}
		blocks = append(blocks, renderCodeBlock(lang, sub[2]))
		return fmt.Sprintf("\x00CB%d\x00\n", len(blocks)-1)
	})

	text = html.EscapeString(text)

	var out strings.Builder
	for _, block := range strings.Split(text, "\n\n") {
		renderBlock(&out, block)
	}

	result := out.String()
	for i, b := range blocks {
		result = strings.ReplaceAll(result, fmt.Sprintf("\x00CB%d\x00", i), b)
	}

	return result
}

// RenderTimed 渲染并返回耗时（毫秒），用于render_time_ms统计
func RenderTimed(text string) (string, int64) {
	start := time.Now()
	h := Render(text)
	return h, time.Since(start).Milliseconds()
}

func renderCodeBlock(lang, code string) string {
	return fmt.Sprintf(
		`<div class="code-block"><div class="code-header"><span class="code-lang">%s</span><button class="copy-btn">复制</button></div><pre><code>%s</code></pre></div>`,
		html.EscapeString(lang), html.EscapeString(code))
}

// renderBlock 处理一个由空行分隔的块。表格优先整块识别，
// 失败则逐行归类：标题、引用、列表各自成段，其余行合并为段落
func renderBlock(out *strings.Builder, block string) {
	block = strings.Trim(block, "\n")
	if strings.TrimSpace(block) == "" {
		return
	}

	lines := strings.Split(block, "\n")

	if tbl, ok := renderTable(lines); ok {
		out.WriteString(tbl)
		return
	}

	var para []string
	flushPara := func() {
		if len(para) == 0 {
			return
		}
		out.WriteString("<p>")
		for i, l := range para {
			if i > 0 {
				out.WriteString("<br>")
			}
			out.WriteString(renderInline(l))
		}
		out.WriteString("</p>")
		para = nil
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if strings.TrimSpace(line) == "" {
			flushPara()
			continue
		}

		if isCodeToken(line) {
			flushPara()
			out.WriteString(strings.TrimSpace(line))
			continue
		}

		if m := h3Re.FindStringSubmatch(line); m != nil {
			flushPara()
			out.WriteString("<h3>" + renderInline(m[1]) + "</h3>")
			continue
		}
		if m := h2Re.FindStringSubmatch(line); m != nil {
			flushPara()
			out.WriteString("<h2>" + renderInline(m[1]) + "</h2>")
			continue
		}
		if m := h1Re.FindStringSubmatch(line); m != nil {
			flushPara()
			out.WriteString("<h1>" + renderInline(m[1]) + "</h1>")
			continue
		}

		// 转义之后引用前缀是 &gt;
		if strings.HasPrefix(line, "&gt; ") || line == "&gt;" {
			flushPara()
			var quoted []string
			for ; i < len(lines) && (strings.HasPrefix(lines[i], "&gt; ") || lines[i] == "&gt;"); i++ {
				quoted = append(quoted, strings.TrimPrefix(strings.TrimPrefix(lines[i], "&gt;"), " "))
			}
			i--
			out.WriteString("<blockquote>")
			for j, q := range quoted {
				if j > 0 {
					out.WriteString("<br>")
				}
				out.WriteString(renderInline(q))
			}
			out.WriteString("</blockquote>")
			continue
		}

		if ulItemRe.MatchString(line) {
			flushPara()
			out.WriteString("<ul>")
			for ; i < len(lines); i++ {
				m := ulItemRe.FindStringSubmatch(lines[i])
				if m == nil {
					break
				}
				out.WriteString("<li>" + renderInline(m[1]) + "</li>")
			}
			i--
			out.WriteString("</ul>")
			continue
		}

		if olItemRe.MatchString(line) {
			flushPara()
			out.WriteString("<ol>")
			for ; i < len(lines); i++ {
				m := olItemRe.FindStringSubmatch(lines[i])
				if m == nil {
					break
				}
				out.WriteString("<li>" + renderInline(m[1]) + "</li>")
			}
			i--
			out.WriteString("</ol>")
			continue
		}

		para = append(para, line)
	}
	flushPara()
}

func isCodeToken(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "\x00CB") && strings.HasSuffix(t, "\x00")
}

// renderInline 行内替换，固定顺序：行内代码 → 加粗 → 斜体 → 链接
func renderInline(s string) string {
	s = inlineCodeRe.ReplaceAllString(s, "<code>$1</code>")
	s = boldRe.ReplaceAllString(s, "<strong>$1</strong>")
	s = italicRe.ReplaceAllString(s, "<em>$1</em>")
	s = linkRe.ReplaceAllString(s, `<a href="$2" target="_blank" rel="noopener noreferrer">$1</a>`)
	return s
}

// renderTable 识别表格：表头行 + 全由横线/冒号组成的分隔行 + 至少一个数据行。
// 不满足则返回false，整块退回普通段落处理
func renderTable(lines []string) (string, bool) {
	if len(lines) < 3 {
		return "", false
	}

	header, ok := splitRow(lines[0])
	if !ok {
		return "", false
	}

	sep, ok := splitRow(lines[1])
	if !ok || len(sep) == 0 {
		return "", false
	}
	for _, cell := range sep {
		if !tableSepRe.MatchString(strings.TrimSpace(cell)) {
			return "", false
		}
	}

	var rows [][]string
	for _, line := range lines[2:] {
		row, ok := splitRow(line)
		if !ok {
			return "", false
		}
		rows = append(rows, row)
	}

	var b strings.Builder
	b.WriteString("<table><thead><tr>")
	for _, cell := range header {
		b.WriteString("<th>" + renderInline(strings.TrimSpace(cell)) + "</th>")
	}
	b.WriteString("</tr></thead><tbody>")
	for _, row := range rows {
		b.WriteString("<tr>")
		for _, cell := range row {
			b.WriteString("<td>" + renderInline(strings.TrimSpace(cell)) + "</td>")
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</tbody></table>")

	return b.String(), true
}

func splitRow(line string) ([]string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "|") || !strings.HasSuffix(line, "|") || len(line) < 2 {
		return nil, false
	}

	cells := strings.Split(line[1:len(line)-1], "|")
	if len(cells) == 0 {
		return nil, false
	}
	return cells, true
}
