// Package xtier 提供多层级客户端缓存引擎。
//
// # 层级
//
// 读取按固定顺序级联，越往后越慢、越大、越持久：
//
//   - 内存层：进程内 LRU，受字节预算和条目数预算约束，唯一会被淘汰的层
//   - 会话层（SessionStore）：会话目录下的文件，会话结束（End）时清除
//   - 源级持久层（OriginStore）：Redis，跨会话保留，带熔断保护
//
// 慢层命中的条目以相同的写入时刻和 TTL 提升到内存层，后续读取不再访问慢层。
// 持久层只通过 Store 接口访问，可以替换为任何支持字符串 key 读写删和枚举的实现。
//
// # 条目有效性
//
// 条目在 now - InsertedAt > TTL 时过期；读取时期望版本与条目 SchemaVersion
// 不一致视为未命中。两种情况都会删除所在层的旧条目，不是错误。
//
// # 失败语义
//
// 缓存只是优化层，不是数据来源：
//   - Get 从不返回错误，任何层的故障等同于该层未命中
//   - Set 只在没有任何层持有该值时返回错误
//   - 持久层的故障只记录日志和计数（Stats.TierWriteFailures）
//
// # 包装器
//
//   - APICache：按请求规范化哈希缓存 JSON API 响应，按主机标签失效
//   - QueryCache：按查询标识和依赖列表缓存计算结果，按查询或依赖失效
//
// 包装器总是通过 Manager 读写，不会绕过级联、淘汰和失效。
//
// 详细使用示例参考 example_test.go。
package xtier
