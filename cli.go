package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goburrow/serial"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile   string
	verbose   bool
	logger    *zap.Logger
	appConfig *Config
)

// 不需要預先載入配置的命令
var skipConfigLoad = map[string]bool{
	"version":    true,
	"help":       true,
	"ports":      true,
	"scenarios":  true,
	"config":     true,
	"completion": true,
}

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "mbe",
	Short: "Taidecent 溫度計、Waveshare 繼電器與 Schneider 電表的 Modbus 工具",
	Long: `透過 Modbus RTU (RS-485) 或 Modbus TCP 讀寫 Taidecent 溫度計、
Waveshare 繼電器與 Schneider 電表的固定暫存器，並以 JSON 保存連線配置。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "info"
		if !skipConfigLoad[cmd.Name()] {
			cfg, err := loadConfig(cfgFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			appConfig = cfg
			level = cfg.Logging.Level
		}

		var err error
		logger, err = initLogger(verbose, level)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// --- config ---

// configUpdate config 命令指定的變更，nil 或空字串表示未指定
type configUpdate struct {
	TaidecentDeviceID      *int
	WaveshareRelayDeviceID *int
	SchneiderDeviceID      *int
	Serial                 *bool
	Port                   string
	Host                   string
	Baud                   *int
	Force                  bool
	Reset                  bool
}

// configUpdateFromFlags 只收集明確指定的 flags
func configUpdateFromFlags(cmd *cobra.Command) configUpdate {
	flags := cmd.Flags()
	intFlag := func(name string) *int {
		if !flags.Changed(name) {
			return nil
		}
		v, _ := flags.GetInt(name)
		return &v
	}

	u := configUpdate{
		TaidecentDeviceID:      intFlag("taidecent-device-id"),
		WaveshareRelayDeviceID: intFlag("waveshare-relay-device-id"),
		SchneiderDeviceID:      intFlag("schneider-device-id"),
		Baud:                   intFlag("baud"),
	}
	if flags.Changed("serial") {
		v, _ := flags.GetBool("serial")
		u.Serial = &v
	}
	u.Port, _ = flags.GetString("port")
	u.Host, _ = flags.GetString("host")
	u.Force, _ = flags.GetBool("force")
	u.Reset, _ = flags.GetBool("reset")
	return u
}

// apply 套用變更，返回配置是否改變
func (u configUpdate) apply(cfg *Config) bool {
	dirty := false
	setInt := func(field, v *int) {
		if v != nil && *v != *field {
			*field = *v
			dirty = true
		}
	}
	setString := func(field *string, v string) {
		if v != "" && v != *field {
			*field = v
			dirty = true
		}
	}

	setInt(&cfg.TaidecentDeviceID, u.TaidecentDeviceID)
	setInt(&cfg.WaveshareRelayDeviceID, u.WaveshareRelayDeviceID)
	setInt(&cfg.SchneiderDeviceID, u.SchneiderDeviceID)
	setInt(&cfg.Serial.Baud, u.Baud)
	if u.Serial != nil {
		mode := ModeTCP
		if *u.Serial {
			mode = ModeSerial
		}
		setString(&cfg.Mode, mode)
	}
	setString(&cfg.Serial.Port, u.Port)
	setString(&cfg.TCP.Host, u.Host)
	return dirty
}

// updateConfig 重設或套用變更後寫回配置檔，並輸出路徑與內容
func updateConfig(path string, u configUpdate, out io.Writer) (*Config, error) {
	if u.Reset {
		if err := DefaultConfig().SaveConfig(path); err != nil {
			return nil, err
		}
	}

	cfg, err := loadConfig(path, out)
	if err != nil {
		return nil, err
	}

	if u.apply(cfg) || u.Force {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		printHeading(out, "Updating config file")
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}

	cfg, err = LoadConfig(path)
	if err != nil {
		return nil, err
	}
	printHeading(out, "Config file: "+cfg.Path())
	fmt.Fprintln(out, cfg)
	return cfg, nil
}

// loadConfig 載入配置，新建預設配置時輸出提示
func loadConfig(path string, out io.Writer) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg.Created() {
		printNotice(out, "Creating default config")
	}
	return cfg, nil
}

// configCmd 顯示或更新配置
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "顯示配置檔，指定參數時更新配置",
	Long:  "顯示配置檔路徑與內容。指定任何參數時更新配置檔；配置檔不存在時會建立預設配置。",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = ConfigPath()
		}
		_, err := updateConfig(path, configUpdateFromFlags(cmd), cmd.OutOrStdout())
		return err
	},
}

// --- 設備連線 ---

// session 已連線的 Modbus 工作階段
type session struct {
	transport *ModbusTransport
	opts      []DeviceOption
}

// openSession 依配置建立連線；startup 為 true 時等待設備上電穩定
func openSession(cmd *cobra.Command, startup bool) (*session, error) {
	transport, err := NewTransport(appConfig, logger)
	if err != nil {
		return nil, err
	}
	if err := transport.Connect(); err != nil {
		return nil, err
	}

	if startup {
		if err := sleepCtx(cmd.Context(), appConfig.Timing.StartupDelay); err != nil {
			transport.Close()
			return nil, err
		}
	}

	return &session{
		transport: transport,
		opts: []DeviceOption{
			WithOutput(cmd.OutOrStdout()),
			WithDelay(appConfig.Timing.RequestDelay),
			WithDeviceLogger(logger),
		},
	}, nil
}

func (s *session) Close() {
	if err := s.transport.Close(); err != nil {
		logger.Debug("關閉連線失敗", zap.Error(err))
	}
}

// deviceIDChanger 可變更 Slave ID 的設備
type deviceIDChanger interface {
	SetDeviceID(ctx context.Context, newID int) error
}

// changeDeviceID 變更設備 Slave ID，成功且與配置不同時寫回配置
func changeDeviceID(ctx context.Context, cfg *Config, dev deviceIDChanger, field *int, toID int) error {
	if err := dev.SetDeviceID(ctx, toID); err != nil {
		return err
	}
	if *field == toID {
		return nil
	}
	*field = toID
	return cfg.Save()
}

// deviceIDFlags 讀取並驗證 --from-id 與 --to-id
func deviceIDFlags(cmd *cobra.Command) (int, int, error) {
	fromID, _ := cmd.Flags().GetInt("from-id")
	toID, _ := cmd.Flags().GetInt("to-id")
	if err := checkDeviceID(fromID); err != nil {
		return 0, 0, fmt.Errorf("--from-id: %w", err)
	}
	if err := checkDeviceID(toID); err != nil {
		return 0, 0, fmt.Errorf("--to-id: %w", err)
	}
	return fromID, toID, nil
}

// parseClosed 解析繼電器狀態參數
func parseClosed(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "y", "yes", "on", "closed", "close":
		return true, nil
	case "n", "no", "off", "open":
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("無效的繼電器狀態 %q (true/false)", s)
	}
	return v, nil
}

// --- run ---

// runBench 每輪等待 wait 後讀取溫度與繼電器，再切換繼電器 0 (第一輪為 Close)；讀寫錯誤只輸出不中斷
func runBench(ctx context.Context, out io.Writer, thermometer *Taidecent, relays *WaveshareRelays, itr int, wait time.Duration) error {
	mode := RelayOpen
	for i := 0; i < itr; i++ {
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		if _, err := thermometer.ReadTemperature(ctx, true, true); err != nil {
			fmt.Fprintln(out, renderError(err))
		}
		if _, err := relays.ReadAllRelays(ctx); err != nil {
			fmt.Fprintln(out, renderError(err))
		}

		if mode == RelayOpen {
			mode = RelayClose
		} else {
			mode = RelayOpen
		}
		if err := relays.WriteRelay(ctx, 0, mode); err != nil {
			fmt.Fprintln(out, renderError(err))
		}
	}
	return nil
}

// runCmd 讀取溫度並切換繼電器
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "讀取 Taidecent 溫度計並切換 Waveshare 繼電器",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		itr, _ := cmd.Flags().GetInt("itr")

		s, err := openSession(cmd, false)
		if err != nil {
			return err
		}
		defer s.Close()

		thermometer, err := NewTaidecent(s.transport, appConfig.TaidecentDeviceID, s.opts...)
		if err != nil {
			return err
		}
		relays, err := NewWaveshareRelays(s.transport, appConfig.WaveshareRelayDeviceID, s.opts...)
		if err != nil {
			return err
		}
		return runBench(cmd.Context(), cmd.OutOrStdout(), thermometer, relays, itr, appConfig.Timing.StartupDelay)
	},
}

// --- sniff / ports ---

// sniffCmd 監聽序列埠
var sniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "監聽序列埠並以十六進位輸出",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		if port, _ := cmd.Flags().GetString("port"); port != "" && port != appConfig.Serial.Port {
			appConfig.Serial.Port = port
			if err := appConfig.Save(); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("baud") {
			appConfig.Serial.Baud, _ = cmd.Flags().GetInt("baud")
		}

		sniffer := NewSniffer(appConfig.Serial, logger)
		fmt.Fprintln(out)
		printHeading(out, "Sniffing on: "+sniffer.String())

		err := sniffer.Run(cmd.Context(), out)
		fmt.Fprintln(out)
		return err
	},
}

// portsCmd 列出序列埠
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "列出可用序列埠",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ports, err := ListSerialPorts()
		if err != nil {
			return fmt.Errorf("列出序列埠失敗: %w", err)
		}
		if len(ports) == 0 {
			fmt.Fprintln(out, "找不到序列埠")
			return nil
		}
		for _, p := range ports {
			if !p.USB {
				fmt.Fprintln(out, p.Name)
				continue
			}
			fmt.Fprintf(out, "%s  USB %s:%s", p.Name, p.VID, p.PID)
			if p.Serial != "" {
				fmt.Fprintf(out, "  serial=%s", p.Serial)
			}
			if p.Product != "" {
				fmt.Fprintf(out, "  %s", p.Product)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

// --- tai ---

var taiCmd = &cobra.Command{
	Use:   "tai",
	Short: "Taidecent 溫度計",
}

// withThermometer 以配置的 Slave ID 建立溫度計並執行 fn
func withThermometer(cmd *cobra.Command, startup bool, fn func(ctx context.Context, t *Taidecent) error) error {
	s, err := openSession(cmd, startup)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := NewTaidecent(s.transport, appConfig.TaidecentDeviceID, s.opts...)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), t)
}

var taiReadCmd = &cobra.Command{
	Use:   "read",
	Short: "讀取溫度",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withThermometer(cmd, true, func(ctx context.Context, t *Taidecent) error {
			_, err := t.ReadTemperature(ctx, true, true)
			return err
		})
	},
}

var taiReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "讀取全部暫存器",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withThermometer(cmd, true, func(ctx context.Context, t *Taidecent) error {
			return t.ReadRegisters(ctx)
		})
	},
}

var taiSetDeviceIDCmd = &cobra.Command{
	Use:   "set-device-id",
	Short: "變更 Taidecent 溫度計的 Slave ID",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fromID, toID, err := deviceIDFlags(cmd)
		if err != nil {
			return err
		}

		s, err := openSession(cmd, false)
		if err != nil {
			return err
		}
		defer s.Close()

		tai, err := NewTaidecent(s.transport, fromID, s.opts...)
		if err != nil {
			return err
		}
		return changeDeviceID(cmd.Context(), appConfig, tai, &appConfig.TaidecentDeviceID, toID)
	},
}

var taiSetTempCorrectionCmd = &cobra.Command{
	Use:   "set-temp-correction CORRECTION",
	Short: "設定溫度校正值 (0.01°C 為單位)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		correction, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("無效的校正值 %q: %w", args[0], err)
		}
		return withThermometer(cmd, true, func(ctx context.Context, t *Taidecent) error {
			return t.SetTempCorrection(ctx, correction)
		})
	},
}

// --- rly ---

var rlyCmd = &cobra.Command{
	Use:   "rly",
	Short: "Waveshare 繼電器",
}

// withRelays 以配置的 Slave ID 建立繼電器並執行 fn
func withRelays(cmd *cobra.Command, fn func(ctx context.Context, r *WaveshareRelays) error) error {
	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := NewWaveshareRelays(s.transport, appConfig.WaveshareRelayDeviceID, s.opts...)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), r)
}

var rlySetCmd = &cobra.Command{
	Use:   "set IDX CLOSED",
	Short: "設定單路繼電器",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("無效的繼電器編號 %q: %w", args[0], err)
		}
		closed, err := parseClosed(args[1])
		if err != nil {
			return err
		}
		return withRelays(cmd, func(ctx context.Context, r *WaveshareRelays) error {
			return r.WriteRelay(ctx, idx, RelayModeFromBool(closed))
		})
	},
}

var rlySetAllCmd = &cobra.Command{
	Use:   "set-all CLOSED",
	Short: "設定全部繼電器",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		closed, err := parseClosed(args[0])
		if err != nil {
			return err
		}
		return withRelays(cmd, func(ctx context.Context, r *WaveshareRelays) error {
			return r.WriteAllRelays(ctx, RelayModeFromBool(closed))
		})
	},
}

var rlyFlipCmd = &cobra.Command{
	Use:   "flip IDX",
	Short: "翻轉單路繼電器",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("無效的繼電器編號 %q: %w", args[0], err)
		}
		return withRelays(cmd, func(ctx context.Context, r *WaveshareRelays) error {
			return r.WriteRelay(ctx, idx, RelayFlip)
		})
	},
}

var rlyReadCmd = &cobra.Command{
	Use:   "read",
	Short: "讀取全部繼電器狀態",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRelays(cmd, func(ctx context.Context, r *WaveshareRelays) error {
			_, err := r.ReadAllRelays(ctx)
			return err
		})
	},
}

var rlyReadRegistersCmd = &cobra.Command{
	Use:   "read-registers",
	Short: "讀取設定暫存器",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRelays(cmd, func(ctx context.Context, r *WaveshareRelays) error {
			return r.ReadRegisters(ctx)
		})
	},
}

var rlyWriteRegisterCmd = &cobra.Command{
	Use:   "write-register NAME VALUE",
	Short: "依名稱寫入設定暫存器",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseInt(args[1], 0, 32)
		if err != nil {
			return fmt.Errorf("無效的暫存器值 %q: %w", args[1], err)
		}
		return withRelays(cmd, func(ctx context.Context, r *WaveshareRelays) error {
			return r.WriteRegister(ctx, args[0], int(value))
		})
	},
}

var rlySetDeviceIDCmd = &cobra.Command{
	Use:   "set-device-id",
	Short: "變更 Waveshare 繼電器的 Slave ID",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fromID, toID, err := deviceIDFlags(cmd)
		if err != nil {
			return err
		}

		s, err := openSession(cmd, false)
		if err != nil {
			return err
		}
		defer s.Close()

		relays, err := NewWaveshareRelays(s.transport, fromID, s.opts...)
		if err != nil {
			return err
		}
		return changeDeviceID(cmd.Context(), appConfig, relays, &appConfig.WaveshareRelayDeviceID, toID)
	},
}

// --- mtr ---

var mtrCmd = &cobra.Command{
	Use:   "mtr",
	Short: "Schneider Electric 電表",
}

var mtrReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "讀取全部暫存器",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd, true)
		if err != nil {
			return err
		}
		defer s.Close()

		meter, err := NewSchneider(s.transport, appConfig.SchneiderDeviceID, s.opts...)
		if err != nil {
			return err
		}
		return meter.ReadRegisters(cmd.Context())
	},
}

var mtrSetDeviceIDCmd = &cobra.Command{
	Use:   "set-device-id",
	Short: "變更 Schneider 電表的 Slave ID",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fromID, toID, err := deviceIDFlags(cmd)
		if err != nil {
			return err
		}

		s, err := openSession(cmd, false)
		if err != nil {
			return err
		}
		defer s.Close()

		meter, err := NewSchneider(s.transport, fromID, s.opts...)
		if err != nil {
			return err
		}
		return changeDeviceID(cmd.Context(), appConfig, meter, &appConfig.SchneiderDeviceID, toID)
	},
}

// --- sim ---

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "設備模擬器",
	Long:  "在單一 Modbus 端點上模擬 Taidecent、Waveshare 與 Schneider 三台設備。",
}

// lookupScenario 依名稱找出場景
func lookupScenario(name string) (ScenarioType, error) {
	for _, st := range ListScenarioTypes() {
		if st.String() == name {
			return st, nil
		}
	}
	return ScenarioNormal, fmt.Errorf("未知的場景: %q", name)
}

// simStartCmd 啟動模擬器
var simStartCmd = &cobra.Command{
	Use:   "start",
	Short: "啟動模擬器",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()

		listen := appConfig.Sim.Listen
		if flags.Changed("listen") {
			listen, _ = flags.GetString("listen")
		}
		if name, _ := flags.GetString("scenario"); name != "" {
			if _, err := lookupScenario(name); err != nil {
				return err
			}
			appConfig.Sim.Scenario = name
		}

		var rtu *serial.Config
		if port, _ := flags.GetString("serial-port"); port != "" {
			rtu = &serial.Config{
				Address:  port,
				BaudRate: appConfig.Serial.Baud,
				DataBits: appConfig.Serial.DataBits,
				StopBits: appConfig.Serial.StopBits,
				Parity:   appConfig.Serial.Parity,
				Timeout:  appConfig.Timing.Timeout,
			}
		}

		if provision, _ := flags.GetBool("provision"); provision {
			ips, err := ParseHostIPs([]string{appConfig.TCP.Host})
			if err != nil {
				return err
			}
			provisioner := NewNetworkProvisioner(appConfig.Sim.Interface, logger)
			if err := provisioner.Setup(ctx, ips); err != nil {
				return fmt.Errorf("設置主機位址失敗: %w", err)
			}
			defer func() {
				teardownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := provisioner.Teardown(teardownCtx, ips); err != nil {
					logger.Warn("移除主機位址失敗", zap.Error(err))
				}
			}()
		}

		bench, err := NewBench(appConfig, logger)
		if err != nil {
			return err
		}
		if err := bench.Start(ctx, listen, rtu); err != nil {
			return fmt.Errorf("啟動模擬器失敗: %w", err)
		}

		var metrics *MetricsCollector
		if appConfig.Sim.MetricsPort > 0 {
			metrics = NewMetricsCollector(bench, logger)
			if err := metrics.Start(ctx, appConfig.Sim.MetricsPort); err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
			}
		}

		<-ctx.Done()
		logger.Info("收到關閉信號")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if metrics != nil {
			if err := metrics.Stop(shutdownCtx); err != nil {
				logger.Warn("關閉指標伺服器失敗", zap.Error(err))
			}
		}
		return bench.Stop(shutdownCtx)
	},
}

// simScenariosCmd 列出場景
var simScenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "列出可用場景",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "可用的模擬場景:")
		for _, st := range ListScenarioTypes() {
			fmt.Fprintf(out, "  %-10s %s\n", st, ScenarioDescriptions[st])
		}
	},
}

// --- network ---

// networkCmd 網路命令組
var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "模擬器主機位址管理",
	Long:  "在網路介面上加入或移除模擬器使用的 /32 主機位址。",
}

// networkTargets 解析 --interface 與 --ip (預設為 tcp.host)
func networkTargets(cmd *cobra.Command) (NetworkProvisioner, []string) {
	iface, _ := cmd.Flags().GetString("interface")
	if iface == "" {
		iface = appConfig.Sim.Interface
	}
	ips, _ := cmd.Flags().GetStringSlice("ip")
	if len(ips) == 0 {
		ips = []string{appConfig.TCP.Host}
	}
	return NewNetworkProvisioner(iface, logger), ips
}

var networkSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "加入主機位址",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		provisioner, values := networkTargets(cmd)
		ips, err := ParseHostIPs(values)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := provisioner.Setup(ctx, ips); err != nil {
			return fmt.Errorf("設置網路失敗: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "主機位址設置完成: %s\n", strings.Join(values, ", "))
		return nil
	},
}

var networkTeardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "移除主機位址",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		provisioner, values := networkTargets(cmd)
		ips, err := ParseHostIPs(values)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := provisioner.Teardown(ctx, ips); err != nil {
			return fmt.Errorf("移除網路失敗: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "主機位址已移除: %s\n", strings.Join(values, ", "))
		return nil
	},
}

var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出介面上的 IPv4 位址",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		provisioner, _ := networkTargets(cmd)

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		ips, err := provisioner.List(ctx)
		if err != nil {
			return fmt.Errorf("列出 IP 失敗: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(ips) == 0 {
			fmt.Fprintln(out, "目前沒有配置 IP")
			return nil
		}
		fmt.Fprintf(out, "已配置的 IP (%d 個):\n", len(ips))
		for _, ip := range ips {
			fmt.Fprintf(out, "  - %s\n", ip)
		}
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "mbe version %s\n", Version)
		fmt.Fprintf(out, "  Build: %s\n", BuildTime)
		fmt.Fprintf(out, "  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "輸出除錯日誌 (含 Modbus 封包)")

	addConfigFlags(configCmd)

	// run / sniff 命令 flags
	runCmd.Flags().Int("itr", 3, "執行次數")
	sniffCmd.Flags().String("port", "", "序列埠 (與配置不同時寫回配置)")
	sniffCmd.Flags().Int("baud", 9600, "鮑率")

	// set-device-id 命令 flags
	addDeviceIDFlags(taiSetDeviceIDCmd, TaidecentDeviceIDFactory, TaidecentDeviceID)
	addDeviceIDFlags(rlySetDeviceIDCmd, WaveshareRelayDeviceIDFactory, WaveshareRelayDeviceID)
	addDeviceIDFlags(mtrSetDeviceIDCmd, SchneiderDeviceIDFactory, SchneiderDeviceID)

	// sim 命令 flags
	simStartCmd.Flags().String("listen", "", "TCP 監聽位址 (預設 sim.listen)")
	simStartCmd.Flags().String("serial-port", "", "同時在序列埠上提供 RTU 服務")
	simStartCmd.Flags().String("scenario", "", "模擬場景 (normal/heat/jitter)")
	simStartCmd.Flags().Bool("provision", false, "在 sim.interface 上加入 tcp.host 主機位址")

	// network 命令 flags
	for _, c := range []*cobra.Command{networkSetupCmd, networkTeardownCmd, networkListCmd} {
		c.Flags().StringP("interface", "i", "", "網路介面 (預設 sim.interface)")
	}
	networkSetupCmd.Flags().StringSlice("ip", nil, "主機位址 (預設 tcp.host)")
	networkTeardownCmd.Flags().StringSlice("ip", nil, "主機位址 (預設 tcp.host)")

	// 組裝命令樹
	taiCmd.AddCommand(taiReadCmd, taiReadAllCmd, taiSetDeviceIDCmd, taiSetTempCorrectionCmd)
	rlyCmd.AddCommand(rlySetCmd, rlySetAllCmd, rlyFlipCmd, rlyReadCmd, rlyReadRegistersCmd, rlyWriteRegisterCmd, rlySetDeviceIDCmd)
	mtrCmd.AddCommand(mtrReadAllCmd, mtrSetDeviceIDCmd)
	simCmd.AddCommand(simStartCmd, simScenariosCmd)
	networkCmd.AddCommand(networkSetupCmd, networkTeardownCmd, networkListCmd)

	rootCmd.AddCommand(
		configCmd,
		runCmd,
		sniffCmd,
		portsCmd,
		taiCmd,
		rlyCmd,
		mtrCmd,
		simCmd,
		networkCmd,
		versionCmd,
	)
}

// addConfigFlags config 命令 flags
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().Int("taidecent-device-id", TaidecentDeviceID, "Taidecent 溫度計 Slave ID")
	cmd.Flags().Int("waveshare-relay-device-id", WaveshareRelayDeviceID, "Waveshare 繼電器 Slave ID")
	cmd.Flags().Int("schneider-device-id", SchneiderDeviceID, "Schneider 電表 Slave ID")
	cmd.Flags().Bool("serial", true, "序列埠模式 (--serial=false 為 TCP 模式)")
	cmd.Flags().String("port", "", "序列埠")
	cmd.Flags().String("host", "", "Modbus TCP 主機")
	cmd.Flags().Int("baud", 9600, "鮑率")
	cmd.Flags().Bool("force", false, "強制寫入配置檔")
	cmd.Flags().Bool("reset", false, "以預設值覆寫配置檔，再套用指定的參數")
}

func addDeviceIDFlags(cmd *cobra.Command, factoryID, defaultID int) {
	cmd.Flags().Int("from-id", factoryID, "目前的 Slave ID")
	cmd.Flags().Int("to-id", defaultID, "新的 Slave ID")
}

func initLogger(verbose bool, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

// Execute 執行 CLI，Ctrl-C 會取消命令的 context
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
