// Package security はリモートから受け取ったコンテンツと外向き通信の安全性を扱う。
package security

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Sanitizer はメッセージ本文やフィードバック本文のHTMLをサニタイズする。
// 許可リストベースで、スクリプトや画像、イベント属性は除去される。
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer はSanitizerを生成する。
// 許可タグ: p, br, ul, ol, li, blockquote, strong, em, a(href)。
// aタグにはtarget="_blank"とrel="noopener noreferrer"が付与される。
func NewSanitizer() *Sanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "ul", "ol", "li", "blockquote", "strong", "em")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)
	return &Sanitizer{policy: p}
}

// Sanitize はHTMLをサニタイズして返す。同一入力には常に同一出力を返す。
func (s *Sanitizer) Sanitize(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	return s.policy.Sanitize(rawHTML)
}

// PlainText はHTMLからテキストのみを取り出し、空白を1つにまとめて返す。
// maxRunesが0より大きい場合はその文字数で切り詰め、末尾に"…"を付ける。
func PlainText(rawHTML string, maxRunes int) string {
	tokenizer := html.NewTokenizer(bytes.NewReader([]byte(rawHTML)))
	var b strings.Builder
	skip := 0

loop:
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			break loop
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br", "p", "li", "div":
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case "p", "li", "div":
				b.WriteByte(' ')
			}
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(tokenizer.Text())
			}
		}
	}

	text := strings.Join(strings.Fields(b.String()), " ")
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:maxRunes])) + "…"
	}
	return text
}
