package main

import (
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"sudooom.im.client/internal/api"
	"sudooom.im.client/internal/archive"
	"sudooom.im.client/internal/config"
	"sudooom.im.client/internal/facade"
	"sudooom.im.client/internal/logger"
	"sudooom.im.client/internal/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run 装配并运行客户端，返回前执行全部 defer
func run(args []string) error {
	flags := pflag.NewFlagSet("imchat", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "configs/config.yaml", "config file path (empty to use defaults)")
	token := flags.StringP("token", "t", os.Getenv(config.EnvPrefix+"_TOKEN"), "credential issued by the server")
	printConfig := flags.Bool("print-config", false, "print the effective config and exit")
	flags.String("api.base-url", "", "REST base URL")
	flags.String("push.endpoint", "", "push endpoint (ws://, wss://, https://, nats://)")
	flags.Bool("push.quic.insecure", false, "skip TLS verification for WebTransport")
	flags.String("archive.path", "", "sqlite archive path (empty disables the archive)")
	flags.String("logging.level", "", "log level")
	flags.String("logging.file", "", "log file")
	_ = flags.Parse(args)

	// 加载配置
	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if *printConfig {
		out, err := cfg.Dump()
		if err != nil {
			return fmt.Errorf("dump config: %w", err)
		}
		fmt.Print(out)
		return nil
	}

	// 终端被界面占用，日志默认写文件
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(os.TempDir(), "imchat.log")
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	var (
		store *archive.Store
		opts  = []facade.Option{facade.WithLogger(log)}
	)
	if cfg.Archive.Path != "" {
		store, err = archive.Open(cfg.Archive, log.Named("archive"))
		if err != nil {
			log.Error("Failed to open archive", zap.Error(err))
			return fmt.Errorf("open archive: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Warn("Failed to close archive", zap.Error(err))
			}
		}()
		opts = append(opts, facade.WithRecorder(store))
	}

	dialer := transport.NewDialer(transport.Options{
		NATS:   cfg.Push.NATS,
		QUIC:   cfg.Push.QUIC,
		Logger: log.Named("transport"),
	})
	client := api.NewClient(cfg.API, log.Named("api"))

	f := facade.New(facade.ConfigFrom(cfg), dialer, client, opts...)
	if err := f.Start(); err != nil {
		log.Error("Failed to start sync facade", zap.Error(err))
		return fmt.Errorf("start facade: %w", err)
	}
	defer f.Close()

	log.Info("imchat started",
		zap.String("api", cfg.API.BaseURL),
		zap.String("push", cfg.Push.Endpoint))

	p := tea.NewProgram(newChatModel(f, store, *token), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Error("TUI exited with error", zap.Error(err))
		return fmt.Errorf("run tui: %w", err)
	}
	log.Info("imchat stopped")
	return nil
}
