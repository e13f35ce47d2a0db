// Package storageopt 提供 xtier 持久层共享的计数器和工具函数。
//
// 本包是 internal 包，仅供 pkg/storage 下的存储层实现（SessionStore、OriginStore）使用。
// 外部用户不应直接导入此包。
//
// 主要功能：
//   - 存储层访问计数器（读/写/删次数与错误次数），用于统计和测试断言
//   - 单次存储操作的超时 context
package storageopt
