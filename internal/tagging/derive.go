// Package tagging 在上传完成后异步生成分享的标签、摘要与关键词。
package tagging

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/vinaykr8807/WhispShare-qz/internal/query"
	"github.com/vinaykr8807/WhispShare-qz/internal/repository"
)

// SummaryMaxRunes 为摘要的最大长度。
const SummaryMaxRunes = 100

const (
	sizeSmall = 1 << 20
	sizeLarge = 100 << 20
)

var (
	nameSeparators = regexp.MustCompile(`[\s_\-.]+`)
	sentenceSplit  = regexp.MustCompile(`[.!?]+`)
	nonWord        = regexp.MustCompile(`\W`)
)

// Job 描述一次打标签任务所需的记录信息。
type Job struct {
	RecordID    string
	BlobRef     string
	DisplayName string
	MediaType   string
	SizeBytes   int64
}

// Derive 根据记录信息与内容样本（可为空）计算派生元数据。
func Derive(job Job, sample []byte) repository.DerivedMetadata {
	var tags []string
	if ft, ok := query.ClassifyMediaType(job.MediaType); ok {
		tags = append(tags, string(ft))
	}
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(job.DisplayName)), "."); ext != "" {
		tags = append(tags, ext)
	}
	tags = append(tags, sizeClass(job.SizeBytes))

	keywords := nameKeywords(job.DisplayName)

	var summary string
	if isText(job.MediaType) && len(sample) > 0 && utf8.Valid(sample) {
		text := strings.TrimSpace(string(sample))
		summary = Summarize(text, SummaryMaxRunes)
		keywords = append(keywords, topWords(text, 5)...)
	}

	return repository.DerivedMetadata{
		Tags:     dedupe(tags),
		Summary:  summary,
		Keywords: dedupe(keywords),
	}
}

func sizeClass(size int64) string {
	switch {
	case size < sizeSmall:
		return "small"
	case size < sizeLarge:
		return "medium"
	default:
		return "large"
	}
}

func isText(mediaType string) bool {
	mt := strings.ToLower(mediaType)
	return strings.HasPrefix(mt, "text/") || mt == "application/json"
}

func nameKeywords(name string) []string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return query.ExtractKeywords(strings.ToLower(nameSeparators.ReplaceAllString(base, " ")))
}

// Summarize 抽取式摘要：按词频给句子打分，从高分句开始拼接直到长度上限。
// 文本本身不超过上限时原样返回，无法拼出句子时截断并追加省略号。
func Summarize(text string, maxRunes int) string {
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}

	var sentences []string
	for _, s := range sentenceSplit.Split(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) <= 1 {
		return truncate(text, maxRunes)
	}

	freq := wordFrequencies(text)
	type scored struct {
		sentence string
		score    int
	}
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		score := 0
		for _, w := range strings.Fields(strings.ToLower(s)) {
			score += freq[nonWord.ReplaceAllString(w, "")]
		}
		ranked[i] = scored{sentence: s, score: score}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var b strings.Builder
	for _, r := range ranked {
		// 句尾补一个句号
		if utf8.RuneCountInString(b.String())+utf8.RuneCountInString(r.sentence)+1 > maxRunes {
			break
		}
		b.WriteString(r.sentence)
		b.WriteString(". ")
	}

	if summary := strings.TrimSpace(b.String()); summary != "" {
		return summary
	}
	return truncate(text, maxRunes)
}

func wordFrequencies(text string) map[string]int {
	freq := make(map[string]int)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = nonWord.ReplaceAllString(w, "")
		if len(w) > 3 {
			freq[w]++
		}
	}
	return freq
}

func topWords(text string, n int) []string {
	freq := wordFrequencies(text)
	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

func truncate(text string, maxRunes int) string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes]) + "..."
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
