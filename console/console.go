// Package console is the operator's SSH interface to a running session. It
// drives the headless scene, manages scripts and shows their log output.
package console

import (
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/buildkite/shellwords"
	"github.com/gliderlabs/ssh"
	"github.com/pkg/errors"
	"github.com/rodaine/table"
	"github.com/zond/mapscript"
	"github.com/zond/mapscript/router"
	"github.com/zond/mapscript/scene"
	"github.com/zond/mapscript/zone"
	"golang.org/x/term"
)

var (
	whitespacePattern = regexp.MustCompile(`\s+`)
)

type Console struct {
	router      *router.Router
	bridge      *scene.Bridge
	headless    *scene.Headless
	switchboard *Switchboard
}

func New(r *router.Router, bridge *scene.Bridge, headless *scene.Headless, switchboard *Switchboard) *Console {
	return &Console{
		router:      r,
		bridge:      bridge,
		headless:    headless,
		switchboard: switchboard,
	}
}

func (c *Console) HandleSession(sess ssh.Session) {
	if err := c.Serve(sess.Context(), sess); err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintf(sess, "InternalServerError: %v\n", err)
		log.Println(err)
		log.Println(mapscript.StackTrace(err))
	}
}

// Serve runs commands read from rw until it is closed.
func (c *Console) Serve(ctx context.Context, rw io.ReadWriter) error {
	conn := &connection{
		ctx:     ctx,
		console: c,
		term:    term.NewTerminal(rw, "> "),
	}
	defer c.switchboard.DetachAll(conn.term)
	fmt.Fprint(conn.term, "Welcome! Type /help for commands, anything else is chat.\n")
	return conn.process()
}

type connection struct {
	ctx     context.Context
	console *Console
	term    *term.Terminal
}

type command struct {
	names map[string]bool
	usage string
	f     func(c *connection, args []string) error
}

type commands []command

func (cs commands) attempt(c *connection, name string, line string) (bool, error) {
	for _, cmd := range cs {
		if !cmd.names[name] {
			continue
		}
		parts, err := shellwords.SplitPosix(line)
		if err != nil {
			return true, mapscript.WithStack(err)
		}
		if err := cmd.f(c, parts[1:]); err != nil {
			if errors.Is(err, errUsage) {
				fmt.Fprintf(c.term, "usage: %s\n", cmd.usage)
				return true, nil
			}
			return true, mapscript.WithStack(err)
		}
		return true, nil
	}
	return false, nil
}

func m(s ...string) map[string]bool {
	res := map[string]bool{}
	for _, p := range s {
		res[p] = true
	}
	return res
}

var errUsage = errors.New("usage")

func (c *connection) process() error {
	cmds := c.commands()
	for {
		line, err := c.term.ReadLine()
		if err != nil {
			return mapscript.WithStack(err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		words := whitespacePattern.Split(line, 2)
		if !strings.HasPrefix(words[0], "/") {
			c.console.bridge.UserChat(line)
			continue
		}
		if found, err := cmds.attempt(c, words[0], line); err != nil {
			fmt.Fprintln(c.term, err)
		} else if !found {
			fmt.Fprintf(c.term, "Unknown command: %q\n", words[0])
		}
	}
}

func parseFloats(args []string) ([]float64, error) {
	result := make([]float64, len(args))
	for i, arg := range args {
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %q", arg)
		}
		result[i] = f
	}
	return result, nil
}

func (c *connection) commands() commands {
	var cmds commands
	cmds = commands{
		{
			names: m("/help"),
			usage: "/help",
			f: func(c *connection, args []string) error {
				t := table.New("Command", "Usage").WithWriter(c.term)
				for _, cmd := range cmds {
					for name := range cmd.names {
						t.AddRow(name, cmd.usage)
					}
				}
				t.Print()
				return nil
			},
		},
		{
			names: m("/scripts"),
			usage: "/scripts",
			f: func(c *connection, args []string) error {
				t := table.New("Locator", "ID", "Trusted").WithWriter(c.term)
				for _, locator := range c.console.router.Scripts() {
					id := router.ScriptID(locator)
					t.AddRow(locator, id, c.console.router.IsTrusted(id))
				}
				t.Print()
				return nil
			},
		},
		{
			names: m("/frames"),
			usage: "/frames",
			f: func(c *connection, args []string) error {
				t := table.New("ID", "Trusted").WithWriter(c.term)
				for _, id := range c.console.router.Frames() {
					t.AddRow(id, c.console.router.IsTrusted(id))
				}
				t.Print()
				return nil
			},
		},
		{
			names: m("/register"),
			usage: "/register <locator>",
			f: func(c *connection, args []string) error {
				if len(args) != 1 {
					return errUsage
				}
				ctx, err := c.console.router.RegisterScript(c.ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(c.term, "Registered %q as %q\n", args[0], ctx.ID())
				return nil
			},
		},
		{
			names: m("/unregister"),
			usage: "/unregister <locator>",
			f: func(c *connection, args []string) error {
				if len(args) != 1 {
					return errUsage
				}
				if err := c.console.router.UnregisterScript(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(c.term, "Unregistered %q\n", args[0])
				return nil
			},
		},
		{
			names: m("/props"),
			usage: "/props",
			f: func(c *connection, args []string) error {
				props := c.console.bridge.Engine().CurrentProperties()
				t := table.New("Property", "Value").WithWriter(c.term)
				for _, name := range sortedKeys(props) {
					t.AddRow(name, props[name])
				}
				t.Print()
				return nil
			},
		},
		{
			names: m("/move"),
			usage: "/move <x> <y> [up|down|left|right]",
			f: func(c *connection, args []string) error {
				if len(args) != 2 && len(args) != 3 {
					return errUsage
				}
				pos, err := parseFloats(args[:2])
				if err != nil {
					return err
				}
				direction := "down"
				if len(args) == 3 {
					direction = args[2]
				}
				c.console.bridge.MoveTo(pos[0], pos[1], direction)
				return nil
			},
		},
		{
			names: m("/geo"),
			usage: "/geo <latitude> <longitude> [heading]",
			f: func(c *connection, args []string) error {
				if len(args) != 2 && len(args) != 3 {
					return errUsage
				}
				nums, err := parseFloats(args)
				if err != nil {
					return err
				}
				coords := zone.Coordinates{Latitude: nums[0], Longitude: nums[1]}
				if len(nums) == 3 {
					coords.Heading = &nums[2]
				}
				return c.console.bridge.GeoUpdate(coords)
			},
		},
		{
			names: m("/chat"),
			usage: "/chat <message>",
			f: func(c *connection, args []string) error {
				if len(args) == 0 {
					return errUsage
				}
				c.console.bridge.UserChat(strings.Join(args, " "))
				return nil
			},
		},
		{
			names: m("/enter"),
			usage: "/enter <avatar name>",
			f: func(c *connection, args []string) error {
				if len(args) != 1 {
					return errUsage
				}
				c.console.bridge.AvatarEntered(args[0])
				return nil
			},
		},
		{
			names: m("/leave"),
			usage: "/leave <avatar name>",
			f: func(c *connection, args []string) error {
				if len(args) != 1 {
					return errUsage
				}
				c.console.bridge.AvatarLeft(args[0])
				return nil
			},
		},
		{
			names: m("/state"),
			usage: "/state",
			f: func(c *connection, args []string) error {
				state := c.console.bridge.GameState()
				fmt.Fprintf(c.term, "Map %q, room %q, session %q\n", state.MapURL, state.RoomID, state.UUID)
				t := table.New("Player", "X", "Y", "Pusher").WithWriter(c.term)
				for _, name := range sortedKeys(state.Players) {
					p := state.Players[name]
					t.AddRow(name, p.Position.X, p.Position.Y, p.PusherID)
				}
				t.Print()
				return nil
			},
		},
		{
			names: m("/ui"),
			usage: "/ui",
			f: func(c *connection, args []string) error {
				t := table.New("Kind", "ID", "Content").WithWriter(c.term)
				for _, popup := range c.console.headless.Popups() {
					labels := []string{}
					for _, button := range popup.Buttons {
						labels = append(labels, button.Label)
					}
					t.AddRow("popup", popup.ID, strings.Join(labels, ", "))
				}
				for _, uuid := range c.console.headless.ActionButtons() {
					t.AddRow("action", uuid, "")
				}
				for _, item := range c.console.headless.MenuItems() {
					t.AddRow("menu", item, "")
				}
				t.Print()
				fmt.Fprintf(c.term, "Controls disabled: %v, co-website: %q\n", c.console.headless.ControlsDisabled(), c.console.headless.CoWebsite())
				return nil
			},
		},
		{
			names: m("/click"),
			usage: "/click popup <id> <button> | /click action <uuid> | /click menu <item>",
			f: func(c *connection, args []string) error {
				switch {
				case len(args) == 3 && args[0] == "popup":
					popupID, err := strconv.Atoi(args[1])
					if err != nil {
						return errUsage
					}
					button, err := strconv.Atoi(args[2])
					if err != nil {
						return errUsage
					}
					return c.console.headless.ClickPopupButton(popupID, button)
				case len(args) == 2 && args[0] == "action":
					return c.console.headless.ClickActionButton(args[1])
				case len(args) == 2 && args[0] == "menu":
					return c.console.headless.ClickMenuItem(args[1])
				}
				return errUsage
			},
		},
		{
			names: m("/debug"),
			usage: "/debug <locator>",
			f: func(c *connection, args []string) error {
				if len(args) != 1 {
					return errUsage
				}
				for _, line := range c.console.switchboard.Attach(args[0], c.term) {
					c.term.Write(line)
				}
				fmt.Fprintf(c.term, "Debugging %q\n", args[0])
				return nil
			},
		},
		{
			names: m("/undebug"),
			usage: "/undebug <locator>",
			f: func(c *connection, args []string) error {
				if len(args) != 1 {
					return errUsage
				}
				c.console.switchboard.Detach(args[0], c.term)
				fmt.Fprintf(c.term, "Stopped debugging %q\n", args[0])
				return nil
			},
		},
	}
	return cmds
}
