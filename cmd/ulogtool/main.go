// Command ulogtool opens an update log directory standalone, outside of a
// running shard, for inspection and manual recovery.
package main

import (
	"fmt"
	"os"

	"github.com/renatoh/ulog/internal/indexwriter"
	"github.com/renatoh/ulog/ulog"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "ulogtool"
	app.Usage = "inspect and drive an update log directory standalone"
	app.Commands = []cli.Command{
		dumpCommand(),
		replayCommand(),
		tailCommand(),
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dumpCommand() cli.Command {
	return cli.Command{
		Name:  "dump",
		Usage: "print every well-formed record in a single tlog file",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "file", Usage: "path to a tlog.* or buffer.tlog.* file"},
		},
		Action: func(c *cli.Context) error {
			path := c.String("file")
			if path == "" {
				return cli.NewExitError("dump: --file is required", 1)
			}
			return ulog.DumpRecords(path, func(off int64, rec *ulog.LogRecord) error {
				fmt.Printf("offset=%d op=%d version=%d id=%q\n", off, rec.OpCode(), rec.Version, rec.ID)
				return nil
			})
		},
	}
}

func replayCommand() cli.Command {
	return cli.Command{
		Name:  "replay",
		Usage: "open an update log directory and run crash recovery",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "dir", Usage: "update log directory", Required: true},
		},
		Action: func(c *cli.Context) error {
			ul, err := openStandalone(c.String("dir"))
			if err != nil {
				return err
			}
			defer ul.Close()

			info, err := ul.RecoverFromLog()
			if err != nil {
				return err
			}
			fmt.Println(info.String())
			if info.Failed {
				return cli.NewExitError("replay failed", 1)
			}
			return nil
		},
	}
}

func tailCommand() cli.Command {
	return cli.Command{
		Name:  "tail",
		Usage: "print the most recent versions known to RecentUpdates",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "dir", Usage: "update log directory", Required: true},
			cli.IntFlag{Name: "n", Value: 10, Usage: "number of versions to print"},
		},
		Action: func(c *cli.Context) error {
			ul, err := openStandalone(c.String("dir"))
			if err != nil {
				return err
			}
			defer ul.Close()

			ru := ulog.NewRecentUpdates(ul)
			defer ru.Close()
			if err := ru.Update(); err != nil {
				return err
			}
			for _, v := range ru.GetVersions(c.Int("n"), 1<<62) {
				rec, _ := ru.Lookup(v)
				fmt.Printf("version=%d op=%d id=%q\n", v, rec.OpCode(), rec.ID)
			}
			return nil
		},
	}
}

func openStandalone(dir string) (*ulog.UpdateLog, error) {
	ul, err := ulog.NewUpdateLog(ulog.Options{Dir: dir})
	if err != nil {
		return nil, err
	}
	ul.Init(indexwriter.New(), nil)
	return ul, nil
}
