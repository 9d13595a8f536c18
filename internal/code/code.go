package code

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// Alphabet 排除了容易混淆的字符（0/O、1/I/L）。
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	// DefaultLength 为取件码默认长度。
	DefaultLength = 8
	// MinLength 为允许配置的最短长度。
	MinLength = 8
)

// Generator 生成固定长度的取件码。它是无状态的，不负责唯一性检查。
type Generator struct {
	length int
}

// NewGenerator 创建指定长度的生成器，长度不能小于 MinLength。
func NewGenerator(length int) (*Generator, error) {
	if length < MinLength {
		return nil, fmt.Errorf("code length must be at least %d, got %d", MinLength, length)
	}
	return &Generator{length: length}, nil
}

// Length 返回生成的取件码长度。
func (g *Generator) Length() int {
	return g.length
}

// Generate 使用 crypto/rand 生成一个新的取件码。熵源失败视为致命错误。
func (g *Generator) Generate() string {
	max := big.NewInt(int64(len(Alphabet)))
	var sb strings.Builder
	sb.Grow(g.length)
	for i := 0; i < g.length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("code: entropy source failed: %v", err))
		}
		sb.WriteByte(Alphabet[n.Int64()])
	}
	return sb.String()
}

// Normalize 去除首尾空白并转为大写，用户输入不区分大小写。
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Valid 判断已规范化的取件码是否符合长度与字符集要求。
func (g *Generator) Valid(c string) bool {
	if len(c) != g.length {
		return false
	}
	for i := 0; i < len(c); i++ {
		if strings.IndexByte(Alphabet, c[i]) < 0 {
			return false
		}
	}
	return true
}
