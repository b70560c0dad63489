package tika

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// 这些标签结束时补一个换行，保留段落边界供切块使用
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// splitPages 遍历 Tika 输出的 XHTML，收集每个 page div 内的文本。
func splitPages(r io.Reader) ([]string, error) {
	z := html.NewTokenizer(r)

	var (
		pages    []string
		current  strings.Builder
		all      strings.Builder
		inBody   bool
		inPage   bool
		depth    int // page div 内嵌套的 div 层数
		skipping int // script/style/title
	)

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				if len(pages) == 0 {
					text := strings.TrimSpace(all.String())
					if text == "" {
						return nil, nil
					}
					return []string{text}, nil
				}
				return pages, nil
			}
			return nil, z.Err()

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			switch tag {
			case "body":
				inBody = true
			case "script", "style", "title":
				if tt == html.StartTagToken {
					skipping++
				}
			case "div":
				if tt == html.SelfClosingTagToken {
					continue
				}
				if inPage {
					depth++
				} else if hasAttr && isPageDiv(z) {
					inPage = true
					depth = 0
					current.Reset()
				}
			case "br":
				writeBreak(&current, &all, inPage)
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch tag {
			case "script", "style", "title":
				if skipping > 0 {
					skipping--
				}
			case "body":
				inBody = false
			case "div":
				if inPage && depth == 0 {
					inPage = false
					pages = append(pages, strings.TrimSpace(current.String()))
					continue
				}
				if inPage {
					depth--
				}
			}
			if blockTags[tag] {
				writeBreak(&current, &all, inPage)
			}

		case html.TextToken:
			if skipping > 0 || !inBody {
				continue
			}
			text := string(z.Text())
			all.WriteString(text)
			if inPage {
				current.WriteString(text)
			}
		}
	}
}

func writeBreak(current, all *strings.Builder, inPage bool) {
	all.WriteString("\n")
	if inPage {
		current.WriteString("\n")
	}
}

func isPageDiv(z *html.Tokenizer) bool {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "class" {
			for _, c := range strings.Fields(string(val)) {
				if c == "page" {
					return true
				}
			}
		}
		if !more {
			return false
		}
	}
}
