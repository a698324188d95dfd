// Command vybbi-host is a headless host page: it registers with an edge,
// prints navigations and can accept a pending update or show a notification.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"vybbi-edge/internal/hostpage"
	"vybbi-edge/internal/logging"
	"vybbi-edge/internal/push"
)

type printNavigator struct{}

func (printNavigator) Assign(url string) { fmt.Printf("navigate %s\n", url) }
func (printNavigator) Reload()           { fmt.Println("reload") }

func main() {
	var (
		edgeURL    = pflag.String("edge", getenvDefault("VYBBI_EDGE_URL", "http://localhost:8080"), "edge base URL")
		pageURL    = pflag.String("page", "https://vybbi.app/dashboard", "URL of the page being registered")
		script     = pflag.String("script", "/sw.js", "worker script path")
		autoUpdate = pflag.Bool("update", false, "accept an available update immediately")
		permission = pflag.Bool("request-permission", false, "request notification permission on start")
		notify     = pflag.String("notify", "", "show a local notification with this title")
		body       = pflag.String("body", "", "body of the --notify notification")
		logLevel   = pflag.String("log-level", "info", "log level")
	)
	pflag.Parse()

	logger, err := logging.New(*logLevel, "console")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container := hostpage.NewHTTPContainer(*edgeURL, *pageURL, &http.Client{}, logger.Named("container"))
	hook := hostpage.New(container, container, printNavigator{}, hostpage.Options{
		ScriptPath: *script,
		Log:        logger.Named("hook"),
	})
	if err := hook.Mount(ctx); err != nil {
		logger.Fatal("mount", zap.Error(err))
	}
	defer func() { _ = hook.Unmount() }()

	if *permission {
		logger.Info("notification permission", zap.Bool("granted", hook.RequestNotificationPermission(ctx)))
	}
	if *notify != "" {
		if !hook.ShowNotification(ctx, *notify, push.Descriptor{Body: *body}) {
			logger.Warn("notification not shown")
		}
	}

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	announced := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if !hook.UpdateAvailable() {
				continue
			}
			if *autoUpdate {
				if err := hook.Update(ctx); err != nil {
					logger.Error("update", zap.Error(err))
				}
				return
			}
			if !announced {
				fmt.Println("update available; rerun with --update to apply")
				announced = true
			}
		}
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
