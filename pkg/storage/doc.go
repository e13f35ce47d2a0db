// Package storage 提供数据存储相关的子包。
//
// 子包列表：
//   - xtier: 多层级客户端缓存，内存层 + 会话层（文件）+ 源级持久层（Redis）
//
// 设计原则：
//   - 持久层通过统一的 Store 接口抽象，可替换后端
//   - 内置可观测性（指标、结构化日志）
//   - 后端故障隔离，缓存故障不影响调用方
package storage
