package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	svc "github.com/kardianos/service"
	"github.com/user/companion-proxy/config"
	"github.com/user/companion-proxy/logger"
)

func main() {
	cfgPath := flag.String("config", config.DefaultPath, "config file (env COMPANION_PROXY_* overrides)")
	svcCmd := flag.String("service", "", "service control: install|uninstall|start|stop|restart")
	svcName := flag.String("svcname", "CompanionProxy", "service name")
	logLevel := flag.String("log-level", "", "override log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := setupLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	d, err := newDaemon(*cfgPath, cfg)
	if err != nil {
		logger.Error(daemonTag, "%v", err)
		os.Exit(1)
	}

	p := &program{d: d}
	s, err := svc.New(p, &svc.Config{
		Name:        *svcName,
		DisplayName: *svcName,
		Description: "Companion proxy control plane",
		Arguments:   []string{"-config", *cfgPath},
		Option:      svc.KeyValue{"Restart": "on-failure", "RunAtLoad": true},
	})
	if err != nil {
		logger.Error(daemonTag, "service setup failed: %v", err)
		os.Exit(1)
	}

	if *svcCmd != "" {
		if err := handleServiceCmd(s, *svcCmd); err != nil {
			logger.Error(daemonTag, "service %s failed: %v", *svcCmd, err)
			os.Exit(1)
		}
		return
	}

	if err := s.Run(); err != nil {
		logger.Error(daemonTag, "%v", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.Config) error {
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	if cfg.LogFile == "" {
		return nil
	}
	return logger.EnableFileSink(logger.FileSink{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})
}

// ---- Service integration ----

type program struct {
	d      *daemon
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s svc.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := p.d.run(ctx); err != nil {
			logger.Error(daemonTag, "❌ %v", err)
			os.Exit(1)
		}
	}()
	return nil
}

func (p *program) Stop(s svc.Service) error {
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(10 * time.Second):
		logger.Warn(daemonTag, "Shutdown timed out")
	}
	return nil
}

func handleServiceCmd(s svc.Service, cmd string) error {
	switch strings.ToLower(cmd) {
	case "install":
		return s.Install()
	case "uninstall":
		return s.Uninstall()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	case "restart":
		return s.Restart()
	default:
		return fmt.Errorf("unknown service command: %s", cmd)
	}
}
