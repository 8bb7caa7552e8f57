// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import "errors"

// 仓库层的哨兵错误。上层用 errors.Is 判断并映射到对应的 HTTP 状态码。
var (
	// ErrNotFound 表示指定的会话或对象不存在。
	ErrNotFound = errors.New("record not found")
	// ErrConflict 表示 offset 比较交换失败，调用方应重新查询状态后重试。
	// 这是断点续传的正常路径，不是故障。
	ErrConflict = errors.New("offset conflict")
	// ErrInvalidTransition 表示请求的状态转移不在状态图中，
	// 说明调用方或上游存在缺陷。
	ErrInvalidTransition = errors.New("invalid status transition")
)
