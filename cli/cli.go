// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yandex/spdygate/config"
	"github.com/yandex/spdygate/lib/zaputil"
	"github.com/yandex/spdygate/proxy"
)

const Version = "0.1.0"
const defaultConfigFile = "spdygate"

var configSearchDirs = []string{"./", "./config", "/etc/spdygate"}

func Run() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr,
			"Usage of spdygate: spdygate [<config_filename>]\n"+
				"<config_filename> is './%s.(yaml|json|...)' by default\n",
			defaultConfigFile)
		flag.PrintDefaults()
	}
	var version bool
	flag.BoolVar(&version, "version", false, "print version and exit")
	flag.Parse()
	if version {
		fmt.Printf("spdygate %s\n", Version)
		return
	}

	log, conf := readConfig()
	server := proxy.NewServer(log, conf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(log, cancel)

	err := server.ListenAndServe(ctx)
	if err != nil && err != context.Canceled {
		log.Fatal("Server run failed", zap.Error(err))
	}
	log.Info("Server finished")
}

func readConfig() (*zap.Logger, proxy.Config) {
	log := newLogger()
	zap.ReplaceGlobals(log)
	zap.RedirectStdLog(log)
	log.Info("spdygate started", zap.String("version", Version))

	v := newViper()
	if len(flag.Args()) > 0 {
		v.SetConfigFile(flag.Args()[0])
	}
	err := v.ReadInConfig()
	log.Info("Reading config", zap.String("file", v.ConfigFileUsed()))
	if err != nil {
		log.Fatal("Config read failed", zap.Error(err))
	}
	conf := proxy.DefaultConfig()
	err = config.DecodeAndValidate(v.AllSettings(), &conf)
	if err != nil {
		log.Fatal("Config decode failed", zap.Error(err))
	}
	return log, conf
}

func newLogger() *zap.Logger {
	zapConf := zap.NewDevelopmentConfig()
	zapConf.OutputPaths = []string{"stdout"}
	log, err := zapConf.Build(
		zap.AddCaller(),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zaputil.NewStackExtractCore(core)
		}),
	)
	if err != nil {
		panic(err)
	}
	return log
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(defaultConfigFile)
	for _, dir := range configSearchDirs {
		v.AddConfigPath(dir)
	}
	return v
}

func handleSignals(log *zap.Logger, interrupt func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info("Interrupting by signal, trying to stop gracefully",
		zap.Stringer("signal", sig))
	interrupt()
	sig = <-sigs
	log.Fatal("Exiting immediately", zap.Stringer("signal", sig))
}
