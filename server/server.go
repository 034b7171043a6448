// Package server runs one mapscript session: the map, its scripts, the
// websocket endpoint for frames and the SSH console.
package server

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/zond/mapscript"
	"github.com/zond/mapscript/console"
	"github.com/zond/mapscript/loader"
	"github.com/zond/mapscript/pemfile"
	"github.com/zond/mapscript/protocol"
	"github.com/zond/mapscript/router"
	"github.com/zond/mapscript/scene"
	"github.com/zond/mapscript/tilemap"
	"github.com/zond/mapscript/wsbridge"
	"golang.org/x/sync/errgroup"

	gossh "golang.org/x/crypto/ssh"
)

const (
	// StartLayer is where the player appears, on its first tile.
	StartLayer = "start"
	envPrefix  = "mapscript"
)

type Config struct {
	SSHAddr                string        `envconfig:"SSH_ADDR"`
	HTTPAddr               string        `envconfig:"HTTP_ADDR"`
	Dir                    string        `envconfig:"DIR"`
	MapURL                 string        `envconfig:"MAP_URL"`
	Scripts                []string      `envconfig:"SCRIPTS"`
	PlayerName             string        `envconfig:"PLAYER_NAME"`
	RoomID                 string        `envconfig:"ROOM_ID"`
	ScriptTimeout          time.Duration `envconfig:"SCRIPT_TIMEOUT"`
	MapCacheTTL            time.Duration `envconfig:"MAP_CACHE_TTL"`
	FrameMessagesPerSecond float64       `envconfig:"FRAME_MESSAGES_PER_SECOND"`
	Debug                  bool          `envconfig:"DEBUG"`
}

func DefaultConfig() Config {
	return Config{
		SSHAddr:                "127.0.0.1:15000",
		HTTPAddr:               "127.0.0.1:8080",
		Dir:                    filepath.Join(os.Getenv("HOME"), ".mapscript"),
		PlayerName:             "player",
		RoomID:                 "local",
		ScriptTimeout:          200 * time.Millisecond,
		MapCacheTTL:            10 * time.Minute,
		FrameMessagesPerSecond: 50,
	}
}

// LoadEnv overrides the fields of c that have MAPSCRIPT_ prefixed
// environment variables set.
func (c *Config) LoadEnv() error {
	return mapscript.WithStack(envconfig.Process(envPrefix, c))
}

func (c Config) validate() error {
	if c.MapURL == "" {
		return errors.New("no map URL configured")
	}
	if c.Dir == "" {
		return errors.New("no directory configured")
	}
	return nil
}

type Server struct {
	config Config
	loader *loader.Loader

	mu           sync.Mutex
	router       *router.Router
	bridge       *scene.Bridge
	headless     *scene.Headless
	switchboard  *console.Switchboard
	sshServer    *ssh.Server
	httpServer   *http.Server
	sshListener  net.Listener
	httpListener net.Listener
}

func New(config Config) (*Server, error) {
	if err := config.validate(); err != nil {
		return nil, mapscript.WithStack(err)
	}
	return &Server{
		config:      config,
		loader:      loader.New(config.MapCacheTTL),
		switchboard: console.NewSwitchboard(),
	}, nil
}

// Start listens and serves until ctx is cancelled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen loads the map and scripts and binds the listeners, without
// accepting connections yet.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.config.Dir, 0700); err != nil {
		return mapscript.WithStack(err)
	}
	m, err := s.loader.Map(ctx, s.config.MapURL)
	if err != nil {
		return err
	}

	s.router = router.New(router.Options{
		Source: s.loader.Source,
		Console: func(locator string) io.Writer {
			return s.switchboard.Writer(locator)
		},
		Timeout: s.config.ScriptTimeout,
		Debug:   s.config.Debug,
	})
	start := startPosition(m)
	s.headless = scene.NewHeadless(m, scene.WorldSnapshot{
		MapURL:     s.config.MapURL,
		PlayerName: s.config.PlayerName,
		StartLayer: StartLayer,
		RoomID:     s.config.RoomID,
		Player:     start,
	}, log.Writer())
	s.bridge = scene.NewBridge(s.router, m, s.headless, s.headless)
	s.bridge.Register()
	s.bridge.PlayerMoved(scene.MoveEvent{X: start.X, Y: start.Y, Direction: "down"})

	for _, script := range s.config.Scripts {
		locator := loader.Resolve(s.config.MapURL, script)
		if _, err := s.router.RegisterScript(ctx, locator); err != nil {
			log.Printf("registering script %q: %v", locator, err)
		}
	}
	exits := []string{}
	for _, exit := range m.ExitURLs() {
		exits = append(exits, loader.Resolve(s.config.MapURL, exit))
	}
	go s.loader.Preload(ctx, exits)

	pemBytes, signer, err := pemfile.HostKey(filepath.Join(s.config.Dir, "host.pem"))
	if err != nil {
		return err
	}
	con := console.New(s.router, s.bridge, s.headless, s.switchboard)
	s.sshServer = &ssh.Server{
		Addr:    s.config.SSHAddr,
		Handler: con.HandleSession,
	}
	if err := s.sshServer.SetOption(ssh.HostKeyPEM(pemBytes)); err != nil {
		return mapscript.WithStack(err)
	}
	mux := http.NewServeMux()
	mux.Handle("/frame", wsbridge.NewHandler(s.router, s.config.FrameMessagesPerSecond))
	s.httpServer = &http.Server{
		Addr:    s.config.HTTPAddr,
		Handler: mux,
	}

	if s.sshListener, err = net.Listen("tcp", s.config.SSHAddr); err != nil {
		return mapscript.WithStack(err)
	}
	if s.httpListener, err = net.Listen("tcp", s.config.HTTPAddr); err != nil {
		s.sshListener.Close()
		return mapscript.WithStack(err)
	}
	log.Printf("Serving %q: console on %q with host key %q, frames on %q", s.config.MapURL, s.sshListener.Addr(), gossh.FingerprintSHA256(signer.PublicKey()), s.httpListener.Addr())
	return nil
}

// Serve accepts connections on the listeners bound by Listen.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	sshServer, sshListener := s.sshServer, s.sshListener
	httpServer, httpListener := s.httpServer, s.httpListener
	s.mu.Unlock()
	if sshListener == nil || httpListener == nil {
		return errors.New("not listening")
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := sshServer.Serve(sshListener); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			return mapscript.WithStack(err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return mapscript.WithStack(err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		return s.Close()
	})
	return eg.Wait()
}

func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpListener.Addr()
}

func (s *Server) SSHAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sshListener.Addr()
}

func (s *Server) Router() *router.Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router
}

func (s *Server) Headless() *scene.Headless {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headless
}

// Close stops the listeners and every script.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.sshServer != nil {
		errs = append(errs, s.sshServer.Close())
	}
	if s.httpServer != nil {
		errs = append(errs, s.httpServer.Close())
	}
	if s.bridge != nil {
		s.bridge.Unregister()
	}
	if s.router != nil {
		errs = append(errs, s.router.Close())
	}
	for _, err := range errs {
		if err != nil && !errors.Is(err, ssh.ErrServerClosed) && !errors.Is(err, http.ErrServerClosed) {
			return mapscript.WithStack(err)
		}
	}
	return nil
}

// startPosition is the center of the first tile of the start layer, or of
// the map's top left tile if there is none.
func startPosition(m *tilemap.Map) protocol.Position {
	layer, found := m.FindLayer(StartLayer)
	if !found {
		return tileCenter(m, 0, 0)
	}
	for y := range m.Height {
		for x := range m.Width {
			if _, found := m.TileAt(layer, x, y); found {
				return tileCenter(m, x, y)
			}
		}
	}
	return tileCenter(m, 0, 0)
}

func tileCenter(m *tilemap.Map, x, y int) protocol.Position {
	return protocol.Position{
		X: float64(x*m.TileWidth) + float64(m.TileWidth)/2,
		Y: float64(y*m.TileHeight) + float64(m.TileHeight)/2,
	}
}
