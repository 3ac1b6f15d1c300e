package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/pmkol/doh-racer/coremain"
	"github.com/pmkol/doh-racer/mlog"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Error("doh-racer exited", zap.Error(err))
		os.Exit(1)
	}
}
