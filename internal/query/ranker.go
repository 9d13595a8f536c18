package query

import (
	"sort"
	"strings"
	"time"

	"github.com/vinaykr8807/WhispShare-qz/internal/repository"
)

const (
	nameMatchWeight    = 3
	tagMatchWeight     = 2
	summaryMatchWeight = 1

	dayBonus  = 2
	weekBonus = 1
)

// Candidate 是参与排序的候选记录。Distance 为 nil 表示记录或请求方缺少坐标。
type Candidate struct {
	Record   repository.ShareRecord
	Distance *float64
}

// Ranked 是带分数的候选记录。
type Ranked struct {
	Candidate
	Score int
}

// Score 计算候选记录对解析结果的相关度分数（加法计分）。
func Score(c Candidate, q Interpretation, now time.Time) int {
	name := strings.ToLower(c.Record.DisplayName)
	tags := strings.ToLower(strings.Join(c.Record.Tags, " "))
	summary := strings.ToLower(c.Record.Summary)

	score := 0
	for _, kw := range q.Keywords {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(name, kw) {
			score += nameMatchWeight
		}
		if strings.Contains(tags, kw) {
			score += tagMatchWeight
		}
		if strings.Contains(summary, kw) {
			score += summaryMatchWeight
		}
	}

	age := now.Sub(c.Record.CreatedAt)
	switch {
	case age < 24*time.Hour:
		score += dayBonus
	case age < 7*24*time.Hour:
		score += weekBonus
	}

	return score
}

// Rank 为全部候选计分并排序：分数降序，同分按距离升序。排序器本身不剔除任何候选。
func Rank(candidates []Candidate, q Interpretation, now time.Time) []Ranked {
	out := make([]Ranked, len(candidates))
	for i, c := range candidates {
		out[i] = Ranked{Candidate: c, Score: Score(c, q, now)}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return distanceOf(out[i].Candidate) < distanceOf(out[j].Candidate)
	})
	return out
}

// 没有距离的候选按 0 处理，与同分的近处候选并列。
func distanceOf(c Candidate) float64 {
	if c.Distance == nil {
		return 0
	}
	return *c.Distance
}
