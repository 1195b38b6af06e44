// Package logger はlogrusを用いた構造化ログ出力を提供する。
//
// プロセス全体で1つのロガーを共有し、各パッケージはL()で取得したロガーに
// フィールドを付与して出力する。
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu  sync.RWMutex
	std = newDefault()
)

// newDefault は初期化前に使用されるテキスト形式のロガーを生成する。
func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Options はロガーの初期化設定。
type Options struct {
	// Level はログレベル（debug, info, warn, error）。
	Level string
	// Format は出力形式（json または text）。
	Format string
	// Service はすべてのログに付与するサービス名。
	Service string
	// Output は出力先。nilの場合は標準出力。
	Output io.Writer
}

// Init はオプションに従ってプロセス共有ロガーを再構成する。
func Init(opts Options) {
	l := logrus.New()
	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stdout)
	}

	level, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if opts.Service != "" {
		l.AddHook(serviceHook{service: opts.Service})
	}

	mu.Lock()
	std = l
	mu.Unlock()
}

// L はプロセス共有ロガーを返す。
func L() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// With はフィールドを付与したエントリを返す。
func With(fields logrus.Fields) *logrus.Entry {
	return L().WithFields(fields)
}

// Infof は情報ログを出力する。
func Infof(format string, args ...any) {
	L().Infof(format, args...)
}

// Warnf は警告ログを出力する。
func Warnf(format string, args ...any) {
	L().Warnf(format, args...)
}

// Errorf はエラーログを出力する。
func Errorf(format string, args ...any) {
	L().Errorf(format, args...)
}

// serviceHook はすべてのエントリにサービス名を付与する。
type serviceHook struct {
	service string
}

func (h serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h serviceHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["service"]; !ok {
		e.Data["service"] = h.service
	}
	return nil
}
