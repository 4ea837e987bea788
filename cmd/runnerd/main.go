// runnerd serves the daemon protocol on a unix socket. Program execution is
// pluggable and this binary keeps it trivial: the bundled executor echoes
// the submitted program line and copies input back to output, which is
// enough to exercise runnerctl end to end.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/docrun/runnerd/daemon"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "runnerd",
		Usage: "serve the runnerd daemon on a unix socket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Usage: "Path to the unix socket to listen on.",
				Value: defaultSocketPath(),
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
		},
		Action: func(cctx *cli.Context) error {
			var logger *zap.Logger
			var err error
			if cctx.Bool("verbose") {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}

			socketPath := cctx.String("socket")
			if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
				return fmt.Errorf("creating socket dir: %w", err)
			}

			d, err := daemon.New(socketPath, echoExecutor(), daemon.WithLogger(logger))
			if err != nil {
				return err
			}
			return d.Run()
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

// echoExecutor prints the submitted program line on stdout, then copies
// input back to stdout until the client ends the stream.
func echoExecutor() daemon.Executor {
	return daemon.ExecutorFunc(func(ctx context.Context, spec daemon.ExecSpec, stdin io.Reader, stdout, stderr io.Writer) (uint32, error) {
		line := spec.ProgramName
		if len(spec.Args) > 0 {
			line += " " + strings.Join(spec.Args, " ")
		}
		if spec.Script != "" {
			line = spec.Script
		}
		fmt.Fprintf(stdout, "%s\n", line)
		if _, err := io.Copy(stdout, stdin); err != nil {
			return 1, nil
		}
		return 0, nil
	})
}
