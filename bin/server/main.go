package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/zond/mapscript/server"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	config := server.DefaultConfig()
	if err := config.LoadEnv(); err != nil {
		log.Fatal(err)
	}

	scripts := strings.Join(config.Scripts, ",")
	logFile := ""
	flag.StringVar(&config.SSHAddr, "ssh", config.SSHAddr, "Where to listen to SSH connections.")
	flag.StringVar(&config.HTTPAddr, "http", config.HTTPAddr, "Where to listen to frame websocket connections.")
	flag.StringVar(&config.Dir, "dir", config.Dir, "Where to save the host key.")
	flag.StringVar(&config.MapURL, "map", config.MapURL, "URL or path of the Tiled JSON map.")
	flag.StringVar(&scripts, "scripts", scripts, "Comma separated scripts to register, relative to the map.")
	flag.StringVar(&config.PlayerName, "name", config.PlayerName, "Name of the local player.")
	flag.StringVar(&config.RoomID, "room", config.RoomID, "Room id reported to scripts.")
	flag.DurationVar(&config.ScriptTimeout, "script_timeout", config.ScriptTimeout, "How long a script may run per event.")
	flag.DurationVar(&config.MapCacheTTL, "map_cache_ttl", config.MapCacheTTL, "How long parsed maps stay cached.")
	flag.Float64Var(&config.FrameMessagesPerSecond, "frame_rate", config.FrameMessagesPerSecond, "Messages per second accepted from each frame, 0 for unlimited.")
	flag.BoolVar(&config.Debug, "debug", config.Debug, "Log every dropped message.")
	flag.StringVar(&logFile, "log", "", "Rotated log file, stderr if empty.")

	flag.Parse()

	config.Scripts = nil
	for _, script := range strings.Split(scripts, ",") {
		if script = strings.TrimSpace(script); script != "" {
			config.Scripts = append(config.Scripts, script)
		}
	}

	if logFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
		})
	}

	srv, err := server.New(config)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Start(ctx); err != nil {
		log.Fatal(err)
	}
}
