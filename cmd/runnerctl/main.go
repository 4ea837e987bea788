package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/docrun/runnerd/runner"
	"github.com/docrun/runnerd/runner/wire"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/term"
)

func main() {
	app := &cli.App{
		Name:  "runnerctl",
		Usage: "run programs through a local runnerd daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Usage: "Path to the daemon's unix socket.",
				Value: defaultSocketPath(),
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			sessionsCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func defaultSocketPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, ".runnerd", "runnerd.sock")
}

func newRunner(cctx *cli.Context) (*runner.Runner, error) {
	var logger *zap.Logger
	var err error
	if cctx.Bool("verbose") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return runner.New(logger.Sugar(), cctx.String("socket"))
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a program and stream its output",
		ArgsUsage: "[program [args...]]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "script",
				Usage: "Script body to run instead of a program.",
			},
			&cli.StringFlag{
				Name:  "cwd",
				Usage: "Working directory for the execution.",
			},
			&cli.StringSliceFlag{
				Name:  "env",
				Usage: "Environment variable (KEY=VALUE), repeatable.",
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "Session id to run the program in.",
			},
			&cli.BoolFlag{
				Name:  "tty",
				Usage: "Run interactively with the local terminal in raw mode.",
			},
			&cli.BoolFlag{
				Name:  "background",
				Usage: "Run in the background.",
			},
		},
		Action: func(cctx *cli.Context) error {
			r, err := newRunner(cctx)
			if err != nil {
				return err
			}
			defer r.Dispose(context.Background())
			ctx := cctx.Context

			spec := &runner.ExecuteSpec{
				ProgramName: cctx.Args().First(),
				Args:        cctx.Args().Tail(),
				Cwd:         cctx.String("cwd"),
				Envs:        cctx.StringSlice("env"),
				Script:      cctx.String("script"),
				TTY:         cctx.Bool("tty"),
				Background:  cctx.Bool("background"),
			}
			if spec.ProgramName == "" && spec.Script == "" {
				return fmt.Errorf("nothing to run: give a program or --script")
			}

			if id := cctx.String("session"); id != "" {
				env, err := r.GetEnvironment(ctx, id)
				if err != nil {
					return err
				}
				spec.Environment = env
			}

			// open the stream without a spec so listeners are in place
			// before any output can arrive
			s, err := r.CreateProgramSession(ctx, nil)
			if err != nil {
				return err
			}

			closeCh := make(chan *uint32, 1)
			s.OnStdout(func(b []byte) { os.Stdout.Write(b) })
			s.OnStderr(func(b []byte) { os.Stderr.Write(b) })
			s.OnErr(func(err error) { fmt.Fprintf(os.Stderr, "stream error: %s\n", err) })
			s.OnClose(func(code *uint32) { closeCh <- code })

			if spec.TTY {
				fd := int(os.Stdin.Fd())
				if term.IsTerminal(fd) {
					oldState, err := term.MakeRaw(fd)
					if err != nil {
						return fmt.Errorf("entering raw mode: %w", err)
					}
					defer term.Restore(fd, oldState)
				}
				if cols, rows, err := term.GetSize(fd); err == nil {
					if err := s.Open(&wire.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
						return err
					}
				}
			}

			if err := s.Run(spec); err != nil {
				return err
			}

			go forwardStdin(s)

			code := <-closeCh
			if code != nil && *code != 0 {
				procErr := &runner.RemoteProcessError{ExitCode: *code}
				return cli.Exit(procErr.Error(), int(*code))
			}
			return nil
		},
	}
}

func forwardStdin(s *runner.ProgramSession) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			if err := s.HandleInput(b); err != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func sessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "manage daemon sessions",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "create a session and print its id",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "env",
						Usage: "Environment variable (KEY=VALUE), repeatable.",
					},
				},
				Action: func(cctx *cli.Context) error {
					r, err := newRunner(cctx)
					if err != nil {
						return err
					}
					defer r.Close()
					env, err := r.CreateEnvironment(cctx.Context, cctx.StringSlice("env"), nil)
					if err != nil {
						return err
					}
					fmt.Println(env.ID())
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "list sessions",
				Action: func(cctx *cli.Context) error {
					r, err := newRunner(cctx)
					if err != nil {
						return err
					}
					defer r.Close()
					sessions, err := r.ListEnvironments(cctx.Context)
					if err != nil {
						return err
					}
					for _, sess := range sessions {
						fmt.Printf("%s\t%v\n", sess.ID, sess.Envs)
					}
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "delete a session",
				ArgsUsage: "SESSION_ID",
				Action: func(cctx *cli.Context) error {
					id := cctx.Args().First()
					if id == "" {
						return fmt.Errorf("no session id")
					}
					r, err := newRunner(cctx)
					if err != nil {
						return err
					}
					defer r.Close()
					env, err := r.GetEnvironment(cctx.Context, id)
					if err != nil {
						return err
					}
					return env.Dispose(cctx.Context)
				},
			},
		},
	}
}
