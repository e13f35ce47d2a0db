// xtierctl 是 xtier 多层缓存的命令行工具。
//
// 每次调用按配置文件构建一个 Manager（会话层位于 session.dir，
// 源级持久层连接 origin.addr），执行一条命令，输出 JSON 后关闭。
// 内存层随进程结束而消失，跨调用可见的只有写入持久层的条目。
//
// 用法:
//
//	xtierctl [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-c, --config     配置文件路径（.yaml/.yml/.json），缺省使用默认配置
//	    --log-file   日志文件路径（按大小滚动），缺省输出到 stderr
//	    --log-level  日志级别 (debug/info/warn/error，默认: warn)
//
// 命令:
//
//	get <key>                 读取条目
//	set <key> <json>          写入条目
//	invalidate <key>          删除条目
//	invalidate-tag <tag>      按标签删除
//	invalidate-prefix <p>     按 key 前缀删除
//	clear                     清空全部层
//	stats                     查看统计
//	fetch <url>               通过 API 缓存获取 JSON
//	end-session               结束会话，删除会话目录
//
// 退出码:
//
//	0: 命令执行成功
//	1: 命令执行失败或未命中（get）
//	2: 参数错误（缺少参数、无效 JSON、未知命令等）
//
// 示例:
//
//	xtierctl -c xtier.yaml set --ttl 1m --tag pricing --persist session price:42 9.99
//	xtierctl -c xtier.yaml get price:42
//	xtierctl -c xtier.yaml invalidate-tag pricing
//	xtierctl -c xtier.yaml fetch -H "Accept: application/json" https://api.example.com/items
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// 版本信息（可通过 -ldflags 注入）。
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args))
}

// createApp 创建 CLI 应用。
func createApp() *cli.Command {
	return &cli.Command{
		Name:    "xtierctl",
		Usage:   "xtier 多层缓存命令行工具",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径（.yaml/.yml/.json）",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "日志文件路径，缺省输出到 stderr",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "日志级别 (debug/info/warn/error)",
				Value: "warn",
			},
		},
		Commands:       createCommands(),
		DefaultCommand: "help",
		Writer:         os.Stdout,
		ErrWriter:      os.Stderr,
		// 禁止 urfave/cli 直接调用 os.Exit，由 run() 统一映射退出码
		ExitErrHandler: func(_ context.Context, cmd *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(cmd.Root().ErrWriter, err)
			}
		},
	}
}

func run(args []string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	return exitCode(createApp().Run(ctx, args))
}

// exitCode 把命令返回的错误映射为退出码。
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		fmt.Fprintf(os.Stderr, "参数错误: %v\n", usageErr)
		return 2
	}
	if isCLIUsageError(err) {
		return 2
	}
	fmt.Fprintf(os.Stderr, "错误: %v\n", err)
	return 1
}
