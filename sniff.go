package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// HexDumper 將位元組流輸出為十六進位：每 4 位元組空兩格，每 16 位元組換行
type HexDumper struct {
	w     io.Writer
	count int
}

// NewHexDumper 建立十六進位輸出器
func NewHexDumper(w io.Writer) *HexDumper {
	return &HexDumper{w: w}
}

// Write 實作 io.Writer
func (h *HexDumper) Write(p []byte) (int, error) {
	for i, b := range p {
		h.count++
		sep := ""
		switch {
		case h.count%16 == 0:
			sep = "\n"
		case h.count%4 == 0:
			sep = "  "
		}
		if _, err := fmt.Fprintf(h.w, "%02X%s", b, sep); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// Count 已輸出的位元組數
func (h *HexDumper) Count() int {
	return h.count
}

// Sniffer 被動監聽 RS-485 匯流排
type Sniffer struct {
	Port     string
	Baud     int
	DataBits int
	Parity   string
	StopBits int

	logger *zap.Logger
}

// NewSniffer 依序列埠配置建立監聽器
func NewSniffer(cfg SerialConfig, logger *zap.Logger) *Sniffer {
	return &Sniffer{
		Port:     cfg.Port,
		Baud:     cfg.Baud,
		DataBits: cfg.DataBits,
		Parity:   cfg.Parity,
		StopBits: cfg.StopBits,
		logger:   logger,
	}
}

func (s *Sniffer) mode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: s.Baud,
		DataBits: s.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch s.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	if s.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}

// String 監聽目標描述
func (s *Sniffer) String() string {
	return fmt.Sprintf("%s %d %d%s%d", s.Port, s.Baud, s.DataBits, s.Parity, s.StopBits)
}

// Run 開啟序列埠並持續輸出，直到 ctx 結束
func (s *Sniffer) Run(ctx context.Context, out io.Writer) error {
	if s.Port == "" || s.Port == NoSerialPortFound {
		return ErrNoSerialPort
	}

	port, err := serial.Open(s.Port, s.mode())
	if err != nil {
		return fmt.Errorf("開啟序列埠 %s 失敗: %w", s.Port, err)
	}
	defer port.Close()

	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		return fmt.Errorf("設定讀取逾時失敗: %w", err)
	}

	s.logger.Info("開始監聽", zap.String("port", s.String()))
	return s.Copy(ctx, port, NewHexDumper(out))
}

// Copy 從 src 逐位元組讀取並寫入 dump；讀到 0 位元組視為逾時並繼續
func (s *Sniffer) Copy(ctx context.Context, src io.Reader, dump *HexDumper) error {
	buf := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("停止監聽", zap.Int("bytes", dump.Count()))
			return nil
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dump.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("讀取序列埠失敗: %w", err)
		}
	}
}
