package util

import (
	"flag"
	"os"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

type FatalLogr struct {
	logr.Logger
}

func (l *FatalLogr) Fatal(err error, msg string, keysAndValues ...interface{}) {
	l.Error(err, msg, keysAndValues...)
	os.Exit(1)
}

// LogOptions binds the zap logger flags (--zap-devel, --zap-log-level, ...)
// to fs. Call NewLogger after fs has been parsed.
func LogOptions(fs *flag.FlagSet) *zap.Options {
	opts := &zap.Options{DestWriter: os.Stderr}
	opts.BindFlags(fs)
	return opts
}

func NewLogger(name string, opts *zap.Options) FatalLogr {
	return FatalLogr{Logger: zap.New(zap.UseFlagOptions(opts)).WithName(name)}
}
