package pipeline

import (
	"doctrine-agent-go/internal/config"
	"strings"
	"unicode/utf8"
)

// Splitter 是递归字符切块器：优先在靠前的分隔符处切分，过长的片段再用后续分隔符切分，
// 最后把相邻的小片段合并到预算以内，并在块之间保留 ChunkOverlap 个字符的重叠。
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// NewSplitter 根据配置创建切块器。
func NewSplitter(cfg config.SplitterConfig) *Splitter {
	return &Splitter{ChunkSize: cfg.ChunkSize, ChunkOverlap: cfg.ChunkOverlap, Separators: cfg.Separators}
}

// NormalizeWhitespace 将连续空白折叠为单个空格并去掉首尾空白。
func NormalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Split 返回按顺序排列的分块。长度以 rune 计，空输入返回 nil。
// 去掉每个非首块开头的重叠部分后依次拼接，结果等于归一化后的输入。
func (s *Splitter) Split(text string) []string {
	text = NormalizeWhitespace(text)
	if text == "" {
		return nil
	}
	if s.ChunkSize <= 0 {
		return []string{text}
	}

	overlap := s.ChunkOverlap
	if overlap < 0 || overlap >= s.ChunkSize {
		// 重叠参数无效时退化为无重叠切分
		overlap = 0
	}
	budget := s.ChunkSize - overlap

	base := mergePieces(splitRecursive(text, s.Separators, budget), budget)
	chunks := make([]string, len(base))
	for i, seg := range base {
		if i == 0 || overlap == 0 {
			chunks[i] = seg
			continue
		}
		chunks[i] = lastRunes(chunks[i-1], overlap) + seg
	}
	return chunks
}

// splitRecursive 把 text 切成每段不超过 budget 的片段，片段依次拼接等于 text。
func splitRecursive(text string, separators []string, budget int) []string {
	if utf8.RuneCountInString(text) <= budget {
		return []string{text}
	}

	for i, sep := range separators {
		if sep == "" {
			return hardSplit(text, budget)
		}
		if !strings.Contains(text, sep) {
			continue
		}
		var out []string
		for _, piece := range strings.SplitAfter(text, sep) {
			if piece == "" {
				continue
			}
			if utf8.RuneCountInString(piece) <= budget {
				out = append(out, piece)
				continue
			}
			out = append(out, splitRecursive(piece, separators[i+1:], budget)...)
		}
		return out
	}
	// 分隔符用尽时按字符硬切
	return hardSplit(text, budget)
}

// mergePieces 贪心地合并相邻片段，每个合并结果不超过 budget。
func mergePieces(pieces []string, budget int) []string {
	var (
		out     []string
		current strings.Builder
		size    int
	)
	for _, p := range pieces {
		n := utf8.RuneCountInString(p)
		if size > 0 && size+n > budget {
			out = append(out, current.String())
			current.Reset()
			size = 0
		}
		current.WriteString(p)
		size += n
	}
	if size > 0 {
		out = append(out, current.String())
	}
	return out
}

func hardSplit(text string, budget int) []string {
	runes := []rune(text)
	out := make([]string, 0, len(runes)/budget+1)
	for i := 0; i < len(runes); i += budget {
		end := i + budget
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

func lastRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
