package query

import "strings"

var mediaTypePrefixes = map[FileType][]string{
	FileTypeDocument: {
		"application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml",
		"text/",
	},
	FileTypePresentation: {
		"application/vnd.ms-powerpoint",
		"application/vnd.openxmlformats-officedocument.presentationml",
	},
	FileTypeSpreadsheet: {
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml",
		"text/csv",
	},
	FileTypeImage: {"image/"},
	FileTypeVideo: {"video/"},
	FileTypeAudio: {"audio/"},
}

// 分类时按该顺序匹配，text/csv 需要先于 text/ 命中表格。
var classifyOrder = []FileType{
	FileTypeSpreadsheet,
	FileTypePresentation,
	FileTypeDocument,
	FileTypeImage,
	FileTypeVideo,
	FileTypeAudio,
}

// MediaTypePrefixes 返回文件类型对应的 MIME 前缀，多个类型的结果合并去重。
func MediaTypePrefixes(types ...FileType) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ft := range types {
		for _, prefix := range mediaTypePrefixes[ft] {
			if _, ok := seen[prefix]; ok {
				continue
			}
			seen[prefix] = struct{}{}
			out = append(out, prefix)
		}
	}
	return out
}

// ClassifyMediaType 把 MIME 类型归到文件类型，无法归类时返回 false。
func ClassifyMediaType(mediaType string) (FileType, bool) {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	for _, ft := range classifyOrder {
		for _, prefix := range mediaTypePrefixes[ft] {
			if strings.HasPrefix(mt, prefix) {
				return ft, true
			}
		}
	}
	return "", false
}
