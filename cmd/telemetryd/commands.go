package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"telemetryd/internal/app"
	"telemetryd/internal/config"
	"telemetryd/internal/link"
	logx "telemetryd/pkg/logx"
)

const shutdownTimeout = 10 * time.Second

var configFlag = cli.StringFlag{
	Name:   "config, c",
	Usage:  "path to the JSON or YAML config file",
	Value:  "./telemetryd.yaml",
	EnvVar: "TELEMETRYD_CONFIG",
}

func newCLI() *cli.App {
	a := cli.NewApp()
	a.Name = "telemetryd"
	a.HelpName = "telemetryd"
	a.Usage = "periodic telemetry stream scheduler"
	a.UsageText = "telemetryd <command> [arguments...]"
	a.Version = version
	if commit != "" {
		a.Version += "-" + commit
	}
	a.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run the scheduler until SIGINT/SIGTERM; SIGHUP reloads the config",
			Flags:  []cli.Flag{configFlag},
			Action: runCmd,
		},
		{
			Name:   "check",
			Usage:  "validate the config and print the stream table",
			Flags:  []cli.Flag{configFlag},
			Action: checkCmd,
		},
		{
			Name:      "dump",
			Usage:     "decode a captured frame stream as JSON lines",
			ArgsUsage: "[file]",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "raw", Usage: "print payloads as base64 instead of decoding them"},
			},
			Action: dumpCmd,
		},
		{
			Name:   "version",
			Usage:  "print the build version",
			Action: versionCmd,
		},
	}
	return a
}

func runCmd(c *cli.Context) error {
	d, err := app.New(c.String("config"))
	if err != nil {
		return err
	}
	if err := d.Start(context.Background()); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
loop:
	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				rctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				_ = d.Reload(rctx)
				cancel()
				continue
			case syscall.SIGTERM:
				reason = app.StopSIGTERM
			default:
				reason = app.StopSIGINT
			}
			break loop
		case <-d.Done():
			reason = app.StopFatalError
			break loop
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = d.Stop(sctx, reason)
	if reason == app.StopFatalError && err == nil {
		err = errors.New("stopped after a fatal error")
	}
	return err
}

func versionCmd(c *cli.Context) error {
	fmt.Fprintln(logx.Stdout(), c.App.Version)
	return nil
}

func checkCmd(c *cli.Context) error {
	res, err := app.Check(c.String("config"))
	if err != nil {
		return err
	}
	printResolved(logx.Stdout(), res)
	return nil
}

func printResolved(w io.Writer, res *config.Resolved) {
	fmt.Fprintf(w, "tick %s, start %s, idle factor %g\n", res.Tick, res.StartPolicy, res.IdleFactor)
	fmt.Fprintf(w, "link %s/s to %s\n", humanize.Bytes(res.Link.Bandwidth), orDefault(res.Link.Output, "stdout"))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tKIND\tINTERVAL\tMIN")
	for _, s := range res.Streams {
		floor := "-"
		if s.MinInterval > 0 {
			floor = s.MinInterval.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.Kind, config.FormatInterval(s.Interval), floor)
	}
	_ = tw.Flush()
	for _, t := range res.Triggers {
		fmt.Fprintf(w, "trigger %s: %s -> %s\n", t.Name, t.Schedule, t.Stream)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

type dumpLine struct {
	Session string `json:"sid"`
	Seq     uint64 `json:"seq"`
	Name    string `json:"name"`
	StampUs int64  `json:"ts"`
	Data    any    `json:"data"`
}

func dumpCmd(c *cli.Context) error {
	var r io.Reader = os.Stdin
	if p := c.Args().First(); p != "" && p != "-" {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	return dumpFrames(r, logx.Stdout(), c.Bool("raw"))
}

func dumpFrames(r io.Reader, w io.Writer, raw bool) error {
	enc := json.NewEncoder(w)
	for {
		f, err := link.ReadFrame(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line := dumpLine{Session: f.Session, Seq: f.Seq, Name: f.Name, StampUs: f.Stamp}
		if raw {
			line.Data = []byte(f.Payload)
		} else {
			var v any
			if err := f.DecodePayload(&v); err != nil {
				return fmt.Errorf("frame %d: %w", f.Seq, err)
			}
			line.Data = v
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
}
