// Package main 是命令行客户端的入口：跟随一个会话的聊天和 CRS 生成进度。
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"crs-sync-go/internal/config"
	"crs-sync-go/internal/diagnostics"
	"crs-sync-go/internal/handler"
	"crs-sync-go/internal/middleware"
	"crs-sync-go/internal/repository"
	"crs-sync-go/internal/service"
	"crs-sync-go/pkg/database"
	"crs-sync-go/pkg/kafka"
	"crs-sync-go/pkg/log"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 可选的 Redis 快照缓存和 Kafka 指标发布
	deps := service.SessionDeps{}
	if cfg.Redis.Addr != "" {
		rdb, err := database.NewRedis(ctx, cfg.Redis)
		if err != nil {
			log.Warnw("snapshot cache disabled", "error", err)
		} else {
			defer rdb.Close()
			deps.Snapshots = repository.NewSnapshotRepository(rdb, cfg.Redis.TTL)
		}
	}
	var publisher diagnostics.Publisher
	if cfg.Kafka.Brokers != "" {
		p := kafka.NewMetricsPublisher(cfg.Kafka)
		defer func() {
			if err := p.Close(); err != nil {
				log.Warnw("failed to flush patch metrics", "error", err)
			}
		}()
		publisher = p
	}
	deps.Metrics = diagnostics.NewMetricsLog(diagnostics.DefaultCapacity, publisher)

	// 4. 创建并启动会话
	session, err := service.NewSession(cfg, deps)
	if err != nil {
		log.Fatal("无法创建会话", err)
	}
	unsubscribe := session.Subscribe(printer())
	defer unsubscribe()

	if err := session.Start(ctx); err != nil {
		if errors.Is(err, service.ErrCredentialExpired) {
			log.Errorf("凭证已过期，请重新登录")
		}
		log.Fatal("会话启动失败", err)
	}
	defer session.Stop()

	// 5. 可选的调试端点
	var srv *http.Server
	if cfg.Debug.Addr != "" {
		gin.SetMode(cfg.Debug.Mode)
		r := gin.New()
		r.Use(middleware.RequestLogger(), gin.Recovery())
		handler.NewDebugHandler(session).Register(r)
		srv = &http.Server{Addr: cfg.Debug.Addr, Handler: r}
		go func() {
			log.Infof("调试端点启动于 %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("调试端点监听失败: %v", err)
			}
		}()
	}

	// 6. 读取标准输入，直到 /quit、EOF 或收到停机信号
	lines := make(chan string)
	go readLines(os.Stdin, lines)
loop:
	for {
		select {
		case <-ctx.Done():
			log.Info("接收到停机信号，正在关闭会话...")
			break loop
		case line, ok := <-lines:
			if !ok || !handleLine(session, line) {
				break loop
			}
		}
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("调试端点关闭失败: %v", err)
		}
	}
	session.Stop()
	log.Info("会话已关闭")
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// lineSession 是标准输入命令用到的会话操作。
type lineSession interface {
	View() service.View
	Send(content string) (int64, error)
	Retry(localID int64) error
	ReconnectStream()
	DismissError()
}

// handleLine 处理一行输入，返回 false 表示退出。
func handleLine(session lineSession, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return true
	case line == "/quit":
		return false
	case line == "/reconnect":
		session.ReconnectStream()
	case line == "/dismiss":
		session.DismissError()
	case line == "/state":
		raw, err := json.MarshalIndent(session.View(), "", "  ")
		if err != nil {
			log.Error("无法序列化会话状态", err)
			return true
		}
		fmt.Println(string(raw))
	case strings.HasPrefix(line, "/retry "):
		arg := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "! usage: /retry <local id>\n")
			return true
		}
		if err := session.Retry(id); err != nil {
			fmt.Fprintf(os.Stderr, "! retry failed: %v\n", err)
		}
	default:
		if _, err := session.Send(line); err != nil {
			fmt.Fprintf(os.Stderr, "! send failed: %v\n", err)
		}
	}
	return true
}

// printer 只打印新增的已确认消息和横幅变化。两个通道的回调可能并发调用它。
func printer() func(service.View) {
	var mu sync.Mutex
	seen := make(map[int64]bool)
	failed := make(map[int64]bool)
	banner := ""
	percent := -1
	return func(v service.View) {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range v.Messages {
			if m.Failed() {
				if !failed[m.ID] {
					failed[m.ID] = true
					fmt.Fprintf(os.Stderr, "! message %d not delivered (type /retry %d)\n", m.ID, m.ID)
				}
				continue
			}
			delete(failed, m.ID)
			if m.Pending() || seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04:05"), m.SenderType, m.Content)
		}
		if v.Stream.Generating && v.Stream.Percent != percent {
			percent = v.Stream.Percent
			fmt.Printf("... generating CRS %d%% %s\n", v.Stream.Percent, v.Stream.Step)
		}
		if v.Banner != banner {
			banner = v.Banner
			if banner != "" {
				fmt.Fprintf(os.Stderr, "! %s (type /dismiss to clear)\n", banner)
			}
		}
	}
}
