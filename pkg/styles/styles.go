package styles

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var defaultStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#7D56F4"))

var errorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#F45E6E"))

var warnStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#F4C16E"))

var successStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#6ef4a1ff"))

var infoStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#6EC4F4"))

func styleFor(style string) lipgloss.Style {
	switch style {
	case "error":
		return errorStyle
	case "warn":
		return warnStyle
	case "success":
		return successStyle
	case "info":
		return infoStyle
	}
	return defaultStyle
}

func PrintFS(style string, text string, a ...interface{}) {
	fmt.Println(SprintfS(style, text, a...))
}

func SprintfS(style string, format string, a ...interface{}) string {
	return styleFor(style).Render(fmt.Sprintf(format, a...))
}

// styledLogger formatea cada evento como logfmt y lo pinta según su nivel.
type styledLogger struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
	enc log.Logger
}

func (l *styledLogger) Log(keyvals ...interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Reset()
	if err := l.enc.Log(keyvals...); err != nil {
		return err
	}
	line := strings.TrimRight(l.buf.String(), "\n")
	_, err := fmt.Fprintln(l.w, styleFor(levelOf(keyvals)).Render(line))
	return err
}

func levelOf(keyvals []interface{}) string {
	for i := 0; i+1 < len(keyvals); i += 2 {
		if keyvals[i] == level.Key() {
			if v, ok := keyvals[i+1].(level.Value); ok {
				return v.String()
			}
			return fmt.Sprint(keyvals[i+1])
		}
	}
	return ""
}

// NewLogger construye el logger go-kit usado por coordinador y workers:
// logfmt con timestamp, filtrado por nivel y coloreado con lipgloss.
func NewLogger(w io.Writer, lvl string) log.Logger {
	sl := &styledLogger{w: w}
	sl.enc = log.NewLogfmtLogger(&sl.buf)

	var logger log.Logger = sl
	logger = level.NewFilter(logger, levelOption(lvl))
	return log.With(logger, "ts", log.DefaultTimestampUTC)
}

func levelOption(lvl string) level.Option {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return level.AllowDebug()
	case "warn", "warning":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	}
	return level.AllowInfo()
}
