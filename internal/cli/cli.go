// ============================================================================
// mtcbridge CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令列介面，連接 MultiTransport 設備並送出指令
//
// Command Structure:
//   mtcbridge                      # Root command
//   ├── run                        # 連線、輪詢並記錄狀態與目錄變化
//   ├── goto                       # 送出 go-to-cue 指令
//   ├── transport                  # 送出 play / stop 等傳輸指令
//   ├── catalog                    # 連線、輪詢一次並列出 players / tracks / sections
//   │   └── --wait                # 等待目錄完整的上限
//   ├── status                     # 顯示有效配置
//   │   └── --connect             # 同時連線並顯示引擎狀態
//   ├── --config, -c              # 配置檔 (default: configs/default.yaml)
//   ├── --host / --port           # 覆寫 device.host / device.port
//   ├── --log-level               # 覆寫 log.level
//   └── --version
//
// run Command:
//   1. 載入配置（預設路徑不存在時使用預設值）
//   2. 建立並啟動 Controller，設定 endpoint（自動連線）
//   3. 啟動 Metrics HTTP server（如果啟用）
//   4. 等待 SIGINT / SIGTERM，errgroup 內的各部分一起結束
//
//   Examples:
//     ./mtcbridge run
//     ./mtcbridge run -c custom-config.yaml --host 10.0.0.20
//
// goto / transport Command:
//   先在本地驗證欄位，再連線送出一行 track_command，不等待回覆
//
//   Examples:
//     ./mtcbridge goto --player "Transport A" --track Intro --location 2
//     ./mtcbridge goto --player A --track Intro --location 00:01:00:00 --transition-time 2.5
//     ./mtcbridge transport --player A --command stop
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/mtcbridge/internal/config"
	"github.com/ChuLiYu/mtcbridge/internal/controller"
	"github.com/ChuLiYu/mtcbridge/internal/metrics"
	"github.com/ChuLiYu/mtcbridge/internal/protocol"
	"github.com/ChuLiYu/mtcbridge/pkg/types"
)

// globalOptions 持久化旗標
type globalOptions struct {
	configFile string
	host       string
	port       int
	logLevel   string
}

func BuildCLI() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "mtcbridge",
		Short: "mtcbridge: control a disguise MultiTransport device over TCP",
		Long: `mtcbridge talks to a disguise MultiTransport device using its
line-delimited JSON protocol:
- players / tracks / sections discovery with periodic polling
- go-to-cue and transport commands
- automatic reconnect
- Prometheus metrics`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.host, "host", "", "device host (overrides device.host)")
	rootCmd.PersistentFlags().IntVar(&opts.port, "port", 0, "device port (overrides device.port)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildGoToCommand(opts))
	rootCmd.AddCommand(buildTransportCommand(opts))
	rootCmd.AddCommand(buildCatalogCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

// ============================================================================
// 配置與 logger
// ============================================================================

// loadConfig 載入配置檔並套用命令列覆寫
func loadConfig(opts *globalOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configFile == config.DefaultPath {
		cfg, err = config.LoadOrDefault(opts.configFile)
	} else {
		cfg, err = config.Load(opts.configFile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if opts.host != "" {
		cfg.Device.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Device.Port = opts.port
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setup(cmd *cobra.Command, opts *globalOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bridge and keep the device connection alive",
		Long:  "Connect to the device, poll its catalog and log every status and catalog change until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runBridge(ctx, cfg, logger)
		},
	}
	return cmd
}

// runBridge 執行直到 ctx 結束
func runBridge(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(nil)
	}

	ctrl := controller.NewController(cfg.ControllerConfig(),
		controller.WithLogger(logger),
		controller.WithMetrics(collector),
		controller.WithListener(loggingListener(logger)),
	)
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	logger.Info("Starting mtcbridge", "device", cfg.DeviceConfig().String())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := ctrl.Configure(cfg.DeviceConfig()); err != nil {
			return fmt.Errorf("failed to configure device: %w", err)
		}
		<-gctx.Done()
		logger.Info("Received shutdown signal, stopping gracefully...")
		return nil
	})

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port)
		g.Go(func() error {
			logger.Info("Starting metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	logger.Info("mtcbridge stopped")
	return err
}

func loggingListener(logger *slog.Logger) controller.Listener {
	return controller.ListenerFuncs{
		OnStatus: func(s types.Status) {
			logger.Info("Connection status", "state", s.State.String(), "message", s.Message, "session", s.Session)
		},
		OnCatalog: func(s types.CatalogSnapshot) {
			logger.Info("Catalog updated",
				"players", len(s.Players),
				"tracks", len(s.Tracks),
				"sections", len(s.SectionLabels()),
				"fresh", s.Fresh)
		},
	}
}

// ============================================================================
// goto / transport
// ============================================================================

func buildGoToCommand(opts *globalOptions) *cobra.Command {
	var fields protocol.GoToCueFields

	cmd := &cobra.Command{
		Use:   "goto",
		Short: "Send a go-to-cue command",
		Long:  "Move a player to a cue number or timecode on a track",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := protocol.EncodeGoToCue(fields)
			if err != nil {
				return err
			}
			cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			return withConnection(cmd.Context(), cfg, logger, func(ctx context.Context, ctrl *controller.Controller) error {
				if err := ctrl.SendGoToCue(ctx, fields); err != nil {
					return err
				}
				tc := msg.TrackCommand
				fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s: %s @ %s\n", tc.Command, tc.Player, tc.Track, tc.Location)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&fields.Player, "player", "", "transport (player) name")
	cmd.Flags().StringVar(&fields.Track, "track", "", "track name")
	cmd.Flags().StringVar(&fields.Location, "location", "", "cue number (1, 1.2, 1.2.3) or hh:mm:ss:ff timecode")
	cmd.Flags().StringVar(&fields.Command, "command", "", "play, playSection or loop (default playSection)")
	cmd.Flags().StringVar(&fields.TransitionSeconds, "transition-time", "", "timed transition in seconds")
	cmd.Flags().StringVar(&fields.TransitionTrack, "transition-track", "", "transition track")
	cmd.Flags().StringVar(&fields.TransitionSection, "transition-section", "", "transition section (or \"Track: Section\")")
	cmd.MarkFlagRequired("player")
	cmd.MarkFlagRequired("track")
	cmd.MarkFlagRequired("location")
	cmd.MarkFlagsMutuallyExclusive("transition-time", "transition-track")
	cmd.MarkFlagsMutuallyExclusive("transition-time", "transition-section")

	return cmd
}

func buildTransportCommand(opts *globalOptions) *cobra.Command {
	var fields protocol.TransportFields

	cmd := &cobra.Command{
		Use:   "transport",
		Short: "Send a transport command (play, playSection, loop, stop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := protocol.EncodeTransportCommand(fields)
			if err != nil {
				return err
			}
			cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			return withConnection(cmd.Context(), cfg, logger, func(ctx context.Context, ctrl *controller.Controller) error {
				if err := ctrl.SendTransportCommand(ctx, fields); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", msg.TrackCommand.Command, msg.TrackCommand.Player)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&fields.Player, "player", "", "transport (player) name")
	cmd.Flags().StringVar(&fields.Command, "command", "", "play, playSection, loop or stop (default playSection)")
	cmd.MarkFlagRequired("player")

	return cmd
}

// withConnection 啟動一個短命的 Controller，連線成功後執行 fn
func withConnection(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	fn func(context.Context, *controller.Controller) error) error {

	return withController(ctx, cfg, logger, cfg.DeviceConfig(), fn)
}

func withController(ctx context.Context, cfg *config.Config, logger *slog.Logger, device controller.DeviceConfig,
	fn func(context.Context, *controller.Controller) error) error {

	ctrl := controller.NewController(cfg.ControllerConfig(), controller.WithLogger(logger))
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	if err := ctrl.Configure(device); err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Connection.FirstConnectTimeout+time.Second)
	defer cancel()
	if _, err := ctrl.Connect(connectCtx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", device.String(), err)
	}

	return fn(ctx, ctrl)
}

// ============================================================================
// catalog
// ============================================================================

func buildCatalogCommand(opts *globalOptions) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List players, tracks and sections",
		Long:  "Connect, poll the device once and print its players, tracks and sections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}

			device := cfg.DeviceConfig()
			if device.PollInterval <= 0 {
				device.PollInterval = config.Default().PollInterval()
			}

			return withController(cmd.Context(), cfg, logger, device, func(ctx context.Context, ctrl *controller.Controller) error {
				snapshot := waitForCatalog(ctx, ctrl, wait)
				printCatalog(cmd.OutOrStdout(), snapshot)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to wait for the catalog")
	return cmd
}

// waitForCatalog 等到目錄已確認且每個 track 都有 sections，或超過 wait
func waitForCatalog(ctx context.Context, ctrl *controller.Controller, wait time.Duration) types.CatalogSnapshot {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		snapshot := ctrl.Snapshot()
		if catalogComplete(snapshot) {
			return snapshot
		}
		select {
		case <-ctx.Done():
			return ctrl.Snapshot()
		case <-deadline.C:
			return ctrl.Snapshot()
		case <-ticker.C:
		}
	}
}

func catalogComplete(s types.CatalogSnapshot) bool {
	if !s.Fresh {
		return false
	}
	for _, track := range s.Tracks {
		if _, ok := s.Sections[track]; !ok {
			return false
		}
	}
	return true
}

func printCatalog(w io.Writer, s types.CatalogSnapshot) {
	fmt.Fprintln(w, "Players:")
	if len(s.Players) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, p := range s.Players {
		fmt.Fprintf(w, "  - %s\n", p)
	}

	fmt.Fprintln(w, "Tracks:")
	if len(s.Tracks) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, t := range s.Tracks {
		fmt.Fprintf(w, "  - %s\n", t)
		for _, section := range s.Sections[t] {
			fmt.Fprintf(w, "      · %s\n", section)
		}
	}

	if !s.Fresh {
		fmt.Fprintln(w, "(catalog not confirmed by the device)")
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *globalOptions) *cobra.Command {
	var live bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration status",
		Long:  "Display the effective configuration; with --connect also connect and show engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			showStatus(out, opts.configFile, cfg)

			if !live {
				return nil
			}
			return withConnection(cmd.Context(), cfg, logger, func(ctx context.Context, ctrl *controller.Controller) error {
				if err := ctrl.Refresh(ctx); err != nil {
					return err
				}
				waitForCatalog(ctx, ctrl, cfg.Connection.FirstConnectTimeout)

				stats, err := ctrl.GetStatus(ctx)
				if err != nil {
					return err
				}
				showEngineStatus(out, stats)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&live, "connect", false, "connect and show engine status")
	return cmd
}

func showStatus(w io.Writer, path string, cfg *config.Config) {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           mtcbridge Status                                ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  └─ Config File:     %s\n", path)
	fmt.Fprintf(w, "  └─ Log:             %s (%s)\n", cfg.Log.Level, cfg.Log.Format)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🎛  Device:")
	fmt.Fprintf(w, "  ├─ Address:         %s:%d\n", cfg.Device.Host, cfg.Device.Port)
	if cfg.PollInterval() > 0 {
		fmt.Fprintf(w, "  └─ Poll Every:      %s\n", cfg.PollInterval())
	} else {
		fmt.Fprintln(w, "  └─ Poll Every:      disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🔌 Connection:")
	fmt.Fprintf(w, "  ├─ First Connect:   %s\n", cfg.Connection.FirstConnectTimeout)
	fmt.Fprintf(w, "  ├─ Retry Connect:   %s\n", cfg.Connection.RetryConnectTimeout)
	fmt.Fprintf(w, "  ├─ Retry Delay:     %s\n", cfg.Connection.RetryDelay)
	fmt.Fprintf(w, "  ├─ Write Timeout:   %s\n", cfg.Connection.WriteTimeout)
	fmt.Fprintf(w, "  └─ Request Timeout: %s\n", cfg.Connection.RequestTimeout)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)
}

func showEngineStatus(w io.Writer, stats map[string]interface{}) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w, "📊 Engine:")
	for i, k := range keys {
		branch := "├─"
		if i == len(keys)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %-14s %v\n", branch, k+":", stats[k])
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}
