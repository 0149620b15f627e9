package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{
		Light: "#1F5FAF",
		Dark:  "#7FB8FF",
	})
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#8A6D00",
		Dark:  "#F2C94C",
	})
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// printHeading 輸出設備標題
func printHeading(w io.Writer, s string) {
	fmt.Fprintln(w, headingStyle.Render(s))
}

// printNotice 輸出提示訊息
func printNotice(w io.Writer, s string) {
	fmt.Fprintln(w, noticeStyle.Render(s))
}

// renderError 錯誤文字 (附加在讀取行尾)
func renderError(err error) string {
	return errorStyle.Render(err.Error())
}

// formatCelsius 以最短表示輸出溫度，整數值保留 ".0" (例如 "21.5"、"20.0")
func formatCelsius(c float64) string {
	s := strconv.FormatFloat(c, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// readLine 組出 "Read 0x..   Name   : " 前綴
func readLine(address uint16, width int, name string) string {
	return fmt.Sprintf("Read 0x%0*X   %-20s: ", width, address, name)
}
