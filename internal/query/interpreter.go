// Package query 实现基于规则的自然语言检索解析与相关度排序。
// 解析只做首个命中规则的匹配，不做同义词或歧义消解，调用方需要容忍漏检。
package query

import (
	"regexp"
	"strconv"
	"strings"
)

// Intent 为检索意图分类。
type Intent string

const (
	IntentSearchFiles   Intent = "search_files"
	IntentFilterByType  Intent = "filter_by_type"
	IntentFilterByTime  Intent = "filter_by_time"
	IntentFilterByUser  Intent = "filter_by_user"
	IntentFilterBySize  Intent = "filter_by_size"
	IntentGeneralSearch Intent = "general_search"
)

// TimeFilter 为识别出的时间范围，空字符串表示未识别。
type TimeFilter string

const (
	TimeToday     TimeFilter = "today"
	TimeYesterday TimeFilter = "yesterday"
	TimeWeek      TimeFilter = "week"
	TimeMonth     TimeFilter = "month"
)

// FileType 为文件类别。
type FileType string

const (
	FileTypeDocument     FileType = "document"
	FileTypePresentation FileType = "presentation"
	FileTypeSpreadsheet  FileType = "spreadsheet"
	FileTypeImage        FileType = "image"
	FileTypeVideo        FileType = "video"
	FileTypeAudio        FileType = "audio"
)

// SizeOperator 为大小比较方向。
type SizeOperator string

const (
	SizeGreaterThan SizeOperator = "gt"
	SizeLessThan    SizeOperator = "lt"
)

// SizeFilter 描述 "over 10 mb" 一类的大小条件。
type SizeFilter struct {
	Operator SizeOperator `json:"operator"`
	Value    int64        `json:"value"`
	Unit     string       `json:"unit"`
}

// Bytes 按 1024 进制换算为字节数。
func (f SizeFilter) Bytes() int64 {
	switch f.Unit {
	case "kb":
		return f.Value << 10
	case "mb":
		return f.Value << 20
	case "gb":
		return f.Value << 30
	default:
		return f.Value
	}
}

// Interpretation 为一次解析的结果。
type Interpretation struct {
	Intent       Intent      `json:"intent"`
	Keywords     []string    `json:"keywords"`
	Entities     []string    `json:"entities"`
	TimeFilter   TimeFilter  `json:"time_filter,omitempty"`
	FileTypes    []FileType  `json:"file_types"`
	UserMentions []string    `json:"user_mentions"`
	SizeFilter   *SizeFilter `json:"size_filter,omitempty"`
}

type intentRule struct {
	intent  Intent
	phrases []string
}

// 声明顺序即优先级。
var intentRules = []intentRule{
	{IntentSearchFiles, []string{"show me", "find", "search", "get", "list"}},
	{IntentFilterByType, []string{"documents", "images", "presentations", "spreadsheets"}},
	{IntentFilterByTime, []string{"today", "yesterday", "this week", "last week", "recent"}},
	{IntentFilterByUser, []string{"from", "by", "uploaded by", "shared by"}},
	{IntentFilterBySize, []string{"large", "small", "big", "mb", "gb", "over", "under"}},
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {}, "on": {},
	"at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {}, "show": {}, "me": {},
	"find": {}, "search": {}, "get": {}, "list": {}, "what": {}, "where": {}, "when": {},
	"how": {}, "who": {},
}

var nonWord = regexp.MustCompile(`\W`)

type timeRule struct {
	filter  TimeFilter
	pattern *regexp.Regexp
}

var timeRules = []timeRule{
	{TimeToday, regexp.MustCompile(`(?i)\b(today|this day)\b`)},
	{TimeYesterday, regexp.MustCompile(`(?i)\byesterday\b`)},
	{TimeWeek, regexp.MustCompile(`(?i)\b(this|last|past) week\b`)},
	{TimeMonth, regexp.MustCompile(`(?i)\b(this|last|past) month\b`)},
}

type typeRule struct {
	fileType FileType
	pattern  *regexp.Regexp
}

var typeRules = []typeRule{
	{FileTypeDocument, regexp.MustCompile(`(?i)\b(documents?|docs?|pdf|word|text)\b`)},
	{FileTypePresentation, regexp.MustCompile(`(?i)\b(presentations?|slides?|powerpoint|ppt)\b`)},
	{FileTypeSpreadsheet, regexp.MustCompile(`(?i)\b(spreadsheets?|excel|csv|data)\b`)},
	{FileTypeImage, regexp.MustCompile(`(?i)\b(images?|photos?|pictures?|jpg|png|gif)\b`)},
	{FileTypeVideo, regexp.MustCompile(`(?i)\b(videos?|movies?|mp4|avi)\b`)},
	{FileTypeAudio, regexp.MustCompile(`(?i)\b(audio|music|sound|mp3|wav)\b`)},
}

var sizePattern = regexp.MustCompile(`(?i)\b(over|under|above|below|larger than|smaller than|more than|less than)\s+(\d+)\s*(kb|mb|gb)\b`)

var greaterThanOps = map[string]struct{}{
	"over": {}, "above": {}, "larger than": {}, "more than": {},
}

// 介词不区分大小写，人名必须首字母大写。
var mentionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?i:from) ([A-Z][a-z]+ [A-Z][a-z]+)\b`),
	regexp.MustCompile(`\b(?i:by) ([A-Z][a-z]+ [A-Z][a-z]+)\b`),
	regexp.MustCompile(`\b(?i:uploaded by) ([A-Z][a-z]+ [A-Z][a-z]+)\b`),
	regexp.MustCompile(`\b(?i:shared by) ([A-Z][a-z]+ [A-Z][a-z]+)\b`),
}

type entityRule struct {
	label   string
	pattern *regexp.Regexp
}

var entityRules = []entityRule{
	{"PERSON", regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`)},
	{"ORGANIZATION", regexp.MustCompile(`(?i)\b(HR|IT|Finance|Marketing|Sales)\b`)},
	{"FILE_FORMAT", regexp.MustCompile(`(?i)\b(PDF|DOC|DOCX|XLS|XLSX|PPT|PPTX|JPG|PNG|GIF)\b`)},
}

// Interpret 解析自由文本检索语句。
func Interpret(text string) Interpretation {
	lower := strings.ToLower(text)

	return Interpretation{
		Intent:       classifyIntent(lower),
		Keywords:     ExtractKeywords(lower),
		Entities:     extractEntities(text),
		TimeFilter:   extractTimeFilter(lower),
		FileTypes:    extractFileTypes(lower),
		UserMentions: extractUserMentions(text),
		SizeFilter:   extractSizeFilter(lower),
	}
}

func classifyIntent(lower string) Intent {
	for _, rule := range intentRules {
		for _, phrase := range rule.phrases {
			if strings.Contains(lower, phrase) {
				return rule.intent
			}
		}
	}
	return IntentGeneralSearch
}

// ExtractKeywords 按空白切分，去掉非单词字符、长度不超过 2 的词和停用词。
func ExtractKeywords(lower string) []string {
	fields := strings.Fields(lower)
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		word := nonWord.ReplaceAllString(field, "")
		if len(word) <= 2 {
			continue
		}
		if _, stop := stopwords[word]; stop {
			continue
		}
		out = append(out, word)
	}
	return out
}

func extractTimeFilter(lower string) TimeFilter {
	for _, rule := range timeRules {
		if rule.pattern.MatchString(lower) {
			return rule.filter
		}
	}
	return ""
}

func extractFileTypes(lower string) []FileType {
	out := []FileType{}
	for _, rule := range typeRules {
		if rule.pattern.MatchString(lower) {
			out = append(out, rule.fileType)
		}
	}
	return out
}

func extractSizeFilter(lower string) *SizeFilter {
	m := sizePattern.FindStringSubmatch(lower)
	if m == nil {
		return nil
	}
	value, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return nil
	}
	op := SizeLessThan
	if _, ok := greaterThanOps[strings.ToLower(m[1])]; ok {
		op = SizeGreaterThan
	}
	return &SizeFilter{Operator: op, Value: value, Unit: strings.ToLower(m[3])}
}

func extractUserMentions(text string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, pattern := range mentionPatterns {
		for _, m := range pattern.FindAllStringSubmatch(text, -1) {
			if _, dup := seen[m[1]]; dup {
				continue
			}
			seen[m[1]] = struct{}{}
			out = append(out, m[1])
		}
	}
	return out
}

func extractEntities(text string) []string {
	out := []string{}
	for _, rule := range entityRules {
		for _, match := range rule.pattern.FindAllString(text, -1) {
			out = append(out, rule.label+":"+match)
		}
	}
	return out
}
