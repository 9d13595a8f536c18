package repository

import "errors"

// ErrNotFound 表示目标记录不存在。
var ErrNotFound = errors.New("repository: record not found")

// ErrCodeConflict 表示取件码已被一条有效记录占用，调用方应换码重试。
var ErrCodeConflict = errors.New("repository: retrieval code already in use")
