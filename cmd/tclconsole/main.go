package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/guseggert/tclconsole/agent"
	"github.com/guseggert/tclconsole/internal/config"
	"github.com/guseggert/tclconsole/internal/logging"
	"github.com/guseggert/tclconsole/terminal"
	"github.com/guseggert/tclconsole/xsct"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// env is built once the global flags are parsed.
type env struct {
	cfg *config.Config
	log *zap.SugaredLogger
}

func main() {
	e := &env{}
	app := &cli.App{
		Name:  "tclconsole",
		Usage: "drive Xilinx XSCT and Vivado Tcl consoles",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: fmt.Sprintf("Path of the config file. Defaults to the first %s found from the working directory upwards.", config.FileName),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: fmt.Sprintf("One of [debug,info,warn,error]. Overrides $%s and the config file.", logging.LevelEnvVar),
			},
		},
		Before: func(ctx *cli.Context) error {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting working directory: %w", err)
			}
			cfg, err := config.Load(ctx.String("config"), wd)
			if err != nil {
				return err
			}
			levelName := cfg.Log.Level
			if v, ok := os.LookupEnv(logging.LevelEnvVar); ok {
				levelName = v
			}
			if ctx.IsSet("log-level") {
				levelName = ctx.String("log-level")
			}
			level, err := logging.ParseLevel(levelName)
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logger, err := logging.New(level)
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.log = logger
			if cfg.Path != "" {
				logger.Debugw("loaded config", "Path", cfg.Path)
			}
			return nil
		},
		After: func(ctx *cli.Context) error {
			if e.log != nil {
				_ = e.log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			serverCommand(e),
			execCommand(e),
			vivadoCommand(e),
			agentCommand(e),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func signalContext(ctx *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
}

func serverCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "start an XSCT server and keep it running until interrupted",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Usage: "TCP port of the XSCT server. Defaults to the config file."},
		},
		Action: func(ctx *cli.Context) error {
			port := e.cfg.XSCT.Port
			if ctx.IsSet("port") {
				port = ctx.Int("port")
			}
			sigCtx, cancel := signalContext(ctx)
			defer cancel()

			server, err := startServer(sigCtx, e, port)
			if err != nil {
				return err
			}
			fmt.Printf("xsct server listening on %s:%d (PID %d)\n", e.cfg.XSCT.Host, port, server.Pid())

			<-sigCtx.Done()
			return server.Stop(context.Background(), true)
		},
	}
}

// startServer launches XSCT and waits until its TCP server accepts connections.
func startServer(ctx context.Context, e *env, port int) (*xsct.Server, error) {
	server := xsct.NewServer(xsct.WithServerLogger(e.log))
	if err := server.Start(e.cfg.XSCT.Executable, port, e.cfg.XSCT.Verbose); err != nil {
		return nil, err
	}
	if err := server.WaitReady(ctx, e.cfg.XSCT.Host); err != nil {
		if stopErr := server.Stop(context.Background(), true); stopErr != nil {
			e.log.Warnw("error stopping xsct server", "Error", stopErr)
		}
		return nil, fmt.Errorf("waiting for xsct server: %w", err)
	}
	return server, nil
}

// commands returns the positional arguments, or the lines of stdin when there are none.
func commands(ctx *cli.Context, stdin io.Reader) ([]string, error) {
	if ctx.NArg() > 0 {
		return ctx.Args().Slice(), nil
	}
	var cmds []string
	s := bufio.NewScanner(stdin)
	for s.Scan() {
		if line := strings.TrimSpace(s.Text()); line != "" {
			cmds = append(cmds, line)
		}
	}
	return cmds, s.Err()
}

func execCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:      "exec",
		Usage:     "run commands on a running XSCT server",
		ArgsUsage: "[COMMAND...] (read from stdin when omitted)",
		Action: func(ctx *cli.Context) error {
			cmds, err := commands(ctx, os.Stdin)
			if err != nil {
				return err
			}
			sigCtx, cancel := signalContext(ctx)
			defer cancel()

			client, err := xsct.Dial(sigCtx, e.cfg.XSCT.Host, e.cfg.XSCT.Port, e.cfg.XSCT.Timeout, xsct.WithClientLogger(e.log))
			if err != nil {
				return err
			}
			defer client.Close()
			for _, cmd := range cmds {
				res, err := client.Execute(sigCtx, cmd)
				if err != nil {
					return fmt.Errorf("%s: %w", cmd, err)
				}
				fmt.Println(res)
			}
			return nil
		},
	}
}

func newVivado(e *env) (*terminal.Client, error) {
	var backend terminal.Backend = terminal.CreackBackend{}
	if e.cfg.Vivado.Backend == config.BackendGoPty {
		backend = terminal.GoPtyBackend{}
	}
	return terminal.New(terminal.Config{
		Executable: e.cfg.Vivado.Executable,
		Args:       e.cfg.Vivado.Args,
		Prompt:     terminal.Literal(e.cfg.Vivado.Prompt),
		Backend:    backend,
		Encoding:   e.cfg.Vivado.Encoding,
		Timeout:    e.cfg.Vivado.Timeout,
		Log:        e.log,
	})
}

// vivadoConsole adapts a terminal client to the agent, failing commands whose answer reports a Tcl error.
func vivadoConsole(c *terminal.Client) agent.ConsoleFunc {
	errPatterns := []*regexp.Regexp{regexp.MustCompile(`(?m)^ERROR: `), regexp.MustCompile(`invalid command name "`)}
	return func(ctx context.Context, command string) (string, error) {
		return c.Execute(ctx, command, terminal.ExecOptions{ErrorPatterns: errPatterns})
	}
}

func vivadoCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:      "vivado",
		Usage:     "run commands in a new Vivado Tcl console",
		ArgsUsage: "[COMMAND...] (read from stdin when omitted)",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "echo", Usage: "Print the raw console output of every command."},
		},
		Action: func(ctx *cli.Context) error {
			cmds, err := commands(ctx, os.Stdin)
			if err != nil {
				return err
			}
			sigCtx, cancel := signalContext(ctx)
			defer cancel()

			c, err := newVivado(e)
			if err != nil {
				return err
			}
			defer func() {
				code, err := c.Terminate(context.Background())
				e.log.Debugw("vivado terminated", "ExitCode", code, "Error", err)
			}()
			if err := c.WaitStartup(sigCtx, nil); err != nil {
				return err
			}
			run := vivadoConsole(c)
			for _, cmd := range cmds {
				if ctx.Bool("echo") {
					if _, err := c.Execute(sigCtx, cmd, terminal.ExecOptions{Echo: true}); err != nil {
						return fmt.Errorf("%s: %w", cmd, err)
					}
					continue
				}
				res, err := run(sigCtx, cmd)
				if err != nil {
					return fmt.Errorf("%s: %w", cmd, err)
				}
				fmt.Println(res)
			}
			return nil
		},
	}
}

func agentCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "agent",
		Usage: "expose a console over HTTP",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "start a console and serve it until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "console", Usage: "One of [xsct,vivado].", Value: "xsct"},
					&cli.StringFlag{Name: "listen-addr", Usage: "The address for the HTTP server to listen on. Defaults to the config file."},
					&cli.StringFlag{
						Name:  "on-heartbeat-failure",
						Usage: "Action to take when heartbeats stop. One of [exit,none].",
						Value: "none",
					},
				},
				Action: func(ctx *cli.Context) error { return runAgent(ctx, e) },
			},
			{
				Name:  "certs",
				Usage: "generate mutual TLS certificates for an agent and its clients",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dir", Usage: "Directory to write the PEM files to.", Required: true},
				},
				Action: func(ctx *cli.Context) error {
					certs, err := agent.GenerateCerts()
					if err != nil {
						return err
					}
					return certs.WriteFiles(ctx.String("dir"))
				},
			},
			{
				Name:      "exec",
				Usage:     "run commands on the console of a remote agent",
				ArgsUsage: "[COMMAND...] (read from stdin when omitted)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "host", Value: "127.0.0.1"},
					&cli.IntFlag{Name: "port", Value: 8080},
				},
				Action: func(ctx *cli.Context) error { return agentExec(ctx, e) },
			},
		},
	}
}

func loadCerts(e *env) (*agent.Certs, error) {
	if e.cfg.Agent.CertDir == "" {
		return nil, nil
	}
	return agent.ReadCerts(e.cfg.Agent.CertDir)
}

func runAgent(ctx *cli.Context, e *env) error {
	sigCtx, cancel := signalContext(ctx)
	defer cancel()

	opts := []agent.Option{agent.WithLogger(e.log), agent.WithListenAddr(e.cfg.Agent.ListenAddr)}
	if ctx.IsSet("listen-addr") {
		opts = append(opts, agent.WithListenAddr(ctx.String("listen-addr")))
	}
	if e.cfg.Agent.HeartbeatTimeout > 0 {
		opts = append(opts, agent.WithHeartbeatTimeout(e.cfg.Agent.HeartbeatTimeout))
	}
	switch ctx.String("on-heartbeat-failure") {
	case "exit":
		opts = append(opts, agent.WithHeartbeatFailureHandler(agent.HeartbeatFailureExit))
	case "none":
	default:
		return fmt.Errorf("unsupported on-heartbeat-failure %q", ctx.String("on-heartbeat-failure"))
	}
	certs, err := loadCerts(e)
	if err != nil {
		return err
	}
	if certs != nil {
		opts = append(opts, agent.WithTLS(certs.CA.CertPEMBytes, certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes))
	}

	var c agent.Console
	switch ctx.String("console") {
	case "xsct":
		server, err := startServer(sigCtx, e, e.cfg.XSCT.Port)
		if err != nil {
			return err
		}
		defer server.Stop(context.Background(), true)
		client, err := xsct.Dial(sigCtx, e.cfg.XSCT.Host, e.cfg.XSCT.Port, e.cfg.XSCT.Timeout, xsct.WithClientLogger(e.log))
		if err != nil {
			return err
		}
		defer client.Close()
		c = client
	case "vivado":
		v, err := newVivado(e)
		if err != nil {
			return err
		}
		defer v.Terminate(context.Background())
		if err := v.WaitStartup(sigCtx, nil); err != nil {
			return err
		}
		c = vivadoConsole(v)
	default:
		return fmt.Errorf("unsupported console %q", ctx.String("console"))
	}

	a, err := agent.NewConsoleAgent(c, opts...)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}
	go func() {
		<-sigCtx.Done()
		if err := a.Stop(); err != nil {
			e.log.Warnw("error stopping agent", "Error", err)
		}
	}()
	return a.Run()
}

func agentExec(ctx *cli.Context, e *env) error {
	cmds, err := commands(ctx, os.Stdin)
	if err != nil {
		return err
	}
	certs, err := loadCerts(e)
	if err != nil {
		return err
	}
	sigCtx, cancel := signalContext(ctx)
	defer cancel()

	client, err := agent.NewClient(e.log, certs, ctx.String("host"), ctx.Int("port"))
	if err != nil {
		return err
	}
	stream, err := client.OpenStream(sigCtx)
	if err != nil {
		return err
	}
	defer stream.Close()
	for _, cmd := range cmds {
		res, err := stream.Execute(sigCtx, cmd)
		var remoteErr *agent.RemoteError
		if errors.As(err, &remoteErr) {
			return fmt.Errorf("%s: %s", cmd, remoteErr.Message)
		}
		if err != nil {
			return err
		}
		fmt.Println(res)
	}
	return nil
}
