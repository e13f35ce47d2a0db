package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/omeyang/xtier/pkg/storage/xtier"
)

// defaultSessionID 未配置 session.id 时使用的会话标识。
// 命令行每次调用都是新进程，固定标识才能让多次调用落在同一会话。
const defaultSessionID = "default"

// exitError 表示命令已完成输出，只需设置非零退出码。
type exitError struct {
	code int
}

func (e *exitError) Error() string { return "" }

// usageError 表示参数错误，退出码 2。
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

// isCLIUsageError 判断错误是否来自 urfave/cli 的参数解析。
func isCLIUsageError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		"flag provided but not defined",
		"flag needs an argument",
		"invalid value",
		"No help topic for",
		"Required flag",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// createCommands 创建所有子命令。
func createCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:      "get",
			Usage:     "读取条目",
			ArgsUsage: "<key>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "version", Usage: "期望的数据版本，缺省使用配置"},
			},
			Action: withEnv(1, cmdGet),
		},
		{
			Name:      "set",
			Usage:     "写入条目",
			ArgsUsage: "<key> <json>",
			Flags: []cli.Flag{
				&cli.DurationFlag{Name: "ttl", Usage: "存活时间，缺省使用配置"},
				&cli.StringSliceFlag{Name: "tag", Usage: "标签，可重复"},
				&cli.StringFlag{Name: "version", Usage: "数据版本，缺省使用配置"},
				&cli.StringFlag{Name: "persist", Usage: "额外写入的持久层 (memory/session/origin)，缺省使用配置"},
			},
			Action: withEnv(2, cmdSet),
		},
		{
			Name:      "invalidate",
			Usage:     "从所有层删除条目",
			ArgsUsage: "<key>",
			Action:    withEnv(1, cmdInvalidate),
		},
		{
			Name:      "invalidate-tag",
			Usage:     "删除带有标签的全部条目",
			ArgsUsage: "<tag>",
			Action:    withEnv(1, cmdInvalidateTag),
		},
		{
			Name:      "invalidate-prefix",
			Usage:     "删除 key 以前缀开头的全部条目",
			ArgsUsage: "<prefix>",
			Action:    withEnv(1, cmdInvalidatePrefix),
		},
		{
			Name:   "clear",
			Usage:  "清空全部层",
			Action: withEnv(0, cmdClear),
		},
		{
			Name:   "stats",
			Usage:  "查看统计和持久层访问计数",
			Action: withEnv(0, cmdStats),
		},
		{
			Name:      "fetch",
			Usage:     "通过 API 缓存获取 JSON",
			ArgsUsage: "<url>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "method", Usage: "HTTP 方法", Value: http.MethodGet},
				&cli.StringSliceFlag{Name: "header", Aliases: []string{"H"}, Usage: `请求头 "Name: value"，可重复`},
				&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "请求体"},
				&cli.DurationFlag{Name: "ttl", Usage: "响应存活时间，缺省 5 分钟"},
				&cli.StringFlag{Name: "persist", Usage: "额外写入的持久层 (memory/session/origin)，缺省使用配置"},
			},
			Action: withEnv(1, cmdFetch),
		},
		{
			Name:   "end-session",
			Usage:  "结束会话，删除会话目录",
			Action: withEnv(0, cmdEndSession),
		},
	}
}

// =============================================================================
// 运行环境
// =============================================================================

// env 是一次命令调用所需的缓存环境。
type env struct {
	cfg     xtier.Config
	logger  *slog.Logger
	manager *xtier.Manager
	session *xtier.SessionStore
	origin  *xtier.OriginStore
	out     io.Writer
	closers []io.Closer
}

// withEnv 校验位置参数数量，构建 env 后执行 fn，结束时释放资源。
func withEnv(nargs int, fn func(ctx context.Context, cmd *cli.Command, e *env, args []string) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		args := positionalArgs(cmd)
		if len(args) != nargs {
			return &usageError{msg: fmt.Sprintf("%s 命令需要 %d 个参数: %s", cmd.Name, nargs, cmd.ArgsUsage)}
		}

		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		return fn(ctx, cmd, e, args)
	}
}

// positionalArgs 返回命令的位置参数。
//
// urfave/cli 在叶子命令上遇到与某个标志同名的首个位置参数（如 c、help）时，
// 会把 DefaultCommand（此处为空串）插到参数最前面，这里去掉插入的这一项。
func positionalArgs(cmd *cli.Command) []string {
	args := cmd.Args().Slice()
	if len(cmd.Commands) == 0 && len(args) >= 2 &&
		args[0] == cmd.DefaultCommand && slices.Contains(cmd.FlagNames(), args[1]) {
		return args[1:]
	}
	return args
}

// openEnv 按全局选项加载配置并装配各层。
func openEnv(cmd *cli.Command) (*env, error) {
	root := cmd.Root()

	cfg := xtier.DefaultConfig()
	if path := root.String("config"); path != "" {
		loaded, err := xtier.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger, logCloser, err := newLogger(root.String("log-file"), root.String("log-level"), root.ErrWriter)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, logger: logger, out: root.Writer}
	if logCloser != nil {
		e.closers = append(e.closers, logCloser)
	}

	opts := []xtier.Option{xtier.WithLogger(logger), xtier.WithSweep(false)}

	if cfg.Session.Dir != "" {
		id := cfg.Session.ID
		if id == "" {
			id = defaultSessionID
		}
		e.session, err = xtier.NewSessionStore(osfs.New(cfg.Session.Dir),
			xtier.WithSessionID(id),
			xtier.WithSessionQuota(cfg.Session.QuotaBytes),
		)
		if err != nil {
			e.close()
			return nil, err
		}
		opts = append(opts, xtier.WithStore(e.session))
	}

	if cfg.Origin.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Origin.Addr, DB: cfg.Origin.DB})
		e.closers = append(e.closers, client)
		originOpts := []xtier.OriginOption{xtier.WithOriginPrefix(cfg.Origin.Prefix)}
		if cfg.Origin.Timeout > 0 {
			originOpts = append(originOpts, xtier.WithOriginTimeout(cfg.Origin.Timeout))
		}
		e.origin, err = xtier.NewOriginStore(client, originOpts...)
		if err != nil {
			e.close()
			return nil, err
		}
		opts = append(opts, xtier.WithStore(e.origin))
	}

	e.manager, err = xtier.New(cfg, opts...)
	if err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// close 关闭 Manager 和外部资源（Redis 客户端、日志文件）。
func (e *env) close() {
	if e.manager != nil {
		_ = e.manager.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i].Close()
	}
}

// print 以 JSON 输出 v。
func (e *env) print(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newLogger 创建 JSON 日志。path 非空时写入按大小滚动的文件。
func newLogger(path, level string, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, &usageError{msg: fmt.Sprintf("无效的日志级别 %q", level)}
	}

	var (
		w      = stderr
		closer io.Closer
	)
	if path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     7, // 天
			Compress:   true,
		}
		w, closer = rotator, rotator
	}
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), closer, nil
}

// parsePersist 解析 --persist，未设置时使用 fallback。
func parsePersist(cmd *cli.Command, fallback xtier.Kind) (xtier.Kind, error) {
	if !cmd.IsSet("persist") {
		return fallback, nil
	}
	kind, err := xtier.ParseKind(cmd.String("persist"))
	if err != nil {
		return fallback, &usageError{msg: err.Error()}
	}
	return kind, nil
}

// =============================================================================
// 命令实现
// =============================================================================

func cmdGet(ctx context.Context, cmd *cli.Command, e *env, args []string) error {
	v, ok := e.manager.Get(ctx, args[0], cmd.String("version"))
	if !ok {
		fmt.Fprintf(cmd.Root().ErrWriter, "未命中: %s\n", args[0])
		return &exitError{code: 1}
	}
	return e.print(v)
}

func cmdSet(ctx context.Context, cmd *cli.Command, e *env, args []string) error {
	key, raw := args[0], []byte(args[1])
	if !json.Valid(raw) {
		return &usageError{msg: fmt.Sprintf("值不是有效的 JSON: %s", args[1])}
	}

	persist, err := parsePersist(cmd, e.cfg.Storage)
	if err != nil {
		return err
	}

	opts := []xtier.SetOption{
		xtier.WithPersistTo(persist),
		xtier.WithSchemaVersion(cmd.String("version")),
	}
	if cmd.IsSet("ttl") {
		opts = append(opts, xtier.WithTTL(cmd.Duration("ttl")))
	}
	if tags := cmd.StringSlice("tag"); len(tags) > 0 {
		opts = append(opts, xtier.WithTags(tags...))
	}

	if err := e.manager.Set(ctx, key, json.RawMessage(raw), opts...); err != nil {
		return err
	}
	st := e.manager.Stats()
	if st.TierWriteFailures > 0 {
		return fmt.Errorf("写入 %s 层失败，条目仅保存在本进程内存中", persist)
	}
	return e.print(map[string]any{"key": key, "persist": persist.String()})
}

func cmdInvalidate(ctx context.Context, _ *cli.Command, e *env, args []string) error {
	e.manager.Invalidate(ctx, args[0])
	return e.print(map[string]any{"key": args[0]})
}

func cmdInvalidateTag(ctx context.Context, _ *cli.Command, e *env, args []string) error {
	n := e.manager.InvalidateByTag(ctx, args[0])
	return e.print(map[string]any{"tag": args[0], "removed": n})
}

func cmdInvalidatePrefix(ctx context.Context, _ *cli.Command, e *env, args []string) error {
	n := e.manager.InvalidatePrefix(ctx, args[0])
	return e.print(map[string]any{"prefix": args[0], "removed": n})
}

func cmdClear(ctx context.Context, _ *cli.Command, e *env, _ []string) error {
	e.manager.Clear(ctx)
	return e.print(map[string]any{"cleared": true})
}

// statsOutput 是 stats 命令的输出。
type statsOutput struct {
	Cache   xtier.Stats `json:"cache"`
	Session any         `json:"session,omitempty"`
	Origin  any         `json:"origin,omitempty"`
	Breaker string      `json:"origin_breaker,omitempty"`
}

func cmdStats(_ context.Context, _ *cli.Command, e *env, _ []string) error {
	out := statsOutput{Cache: e.manager.Stats()}
	if e.session != nil {
		out.Session = e.session.Counter()
	}
	if e.origin != nil {
		out.Origin = e.origin.Counter()
		out.Breaker = e.origin.BreakerState()
	}
	return e.print(out)
}

func cmdFetch(ctx context.Context, cmd *cli.Command, e *env, args []string) error {
	header := http.Header{}
	for _, h := range cmd.StringSlice("header") {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return &usageError{msg: fmt.Sprintf("无效的请求头 %q，应为 \"Name: value\"", h)}
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	persist, err := parsePersist(cmd, e.cfg.Storage)
	if err != nil {
		return err
	}
	opts := []xtier.APIOption{xtier.WithAPIPersistTo(persist), xtier.WithAPILogger(e.logger)}
	if cmd.IsSet("ttl") {
		opts = append(opts, xtier.WithAPITTL(cmd.Duration("ttl")))
	}

	api, err := xtier.NewAPICache(e.manager, opts...)
	if err != nil {
		return err
	}
	v, err := xtier.FetchJSON[json.RawMessage](ctx, api, xtier.Request{
		Method: cmd.String("method"),
		URL:    args[0],
		Header: header,
		Body:   []byte(cmd.String("data")),
	})
	if err != nil {
		return err
	}
	return e.print(v)
}

func cmdEndSession(_ context.Context, _ *cli.Command, e *env, _ []string) error {
	if e.session == nil {
		return &usageError{msg: "未配置会话层 (session.dir)"}
	}
	if err := e.session.End(); err != nil {
		return err
	}
	return e.print(map[string]any{"session": e.session.ID(), "ended": true})
}

// =============================================================================
// 辅助函数
// =============================================================================

// setupSignalHandler 设置信号处理：第一次信号取消 ctx，第二次强制退出。
func setupSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()

		<-sigCh
		signal.Stop(sigCh)
		os.Exit(130)
	}()
}
