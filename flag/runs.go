package flag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/goguam/disk"
	"github.com/bobuhiro11/goguam/hub"
	"github.com/bobuhiro11/goguam/network"
	"github.com/bobuhiro11/goguam/packet"
	"github.com/bobuhiro11/goguam/term"
	"github.com/bobuhiro11/goguam/timesvc"
	"github.com/pkg/profile"
	"github.com/shibukawa/configdir"
)

const (
	programName = "goguam"
	programDesc = "goguam inspects the media and network of a microcoded workstation"
	configFile  = "goguam.json"
)

var errNotQueued = errors.New("time request not queued")

// Output is where commands print their results.
type Output struct {
	io.Writer
	term.Palette
}

// ConfigPaths lists the JSON configuration files consulted, lowest priority
// first.
func ConfigPaths() []string {
	folders := configdir.New("", programName).QueryFolders(configdir.All)

	paths := make([]string, 0, len(folders))
	for i := len(folders) - 1; i >= 0; i-- {
		paths = append(paths, filepath.Join(folders[i].Path, configFile))
	}

	return paths
}

func NewParser(c *CLI, configPaths ...string) (*kong.Kong, error) {
	return kong.New(c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, configPaths...),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
}

func Parse() error {
	c := CLI{}

	parser, err := NewParser(&c, ConfigPaths()...)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	switch c.Profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.Quiet).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.Quiet).Stop()
	}

	return ctx.Run(&Output{Writer: os.Stdout, Palette: term.For(os.Stdout)})
}

func (c *CheckCMD) Run(out *Output) error {
	cfg := c.DiskConfig()
	cfg.ReadOnly = true

	img, err := disk.Open(cfg)
	if err != nil && !errors.Is(err, disk.ErrCorruptDelta) {
		return err
	}
	defer img.Close()

	fmt.Fprintf(out, "%s %s\n", out.Label("image:"), img.Path())
	fmt.Fprintf(out, "%s %d cylinders, %d heads, %d sectors, %d pages\n",
		out.Label("geometry:"), img.Cylinders(), img.Heads(), img.Sectors(), img.Pages())

	_, statErr := os.Stat(img.DeltaPath())
	hasDelta := statErr == nil

	switch {
	case err != nil:
		fmt.Fprintf(out, "%s %s\n", out.Label("delta:"), out.Bad(err.Error()))
	case !hasDelta:
		fmt.Fprintf(out, "%s %s\n", out.Label("delta:"), out.Good("none"))
	default:
		fmt.Fprintf(out, "%s %s, %d chunks, %d pages changed\n", out.Label("delta:"),
			out.Good(img.DeltaPath()), img.DirtyChunks(), img.DirtyPages())
	}

	backups, berr := img.Backups()
	if berr != nil {
		return berr
	}

	if len(backups) > 0 {
		count := fmt.Sprint(len(backups))
		if c.Retain >= 0 && len(backups) > c.Retain {
			count = out.Warn(count + " (over retention)")
		}

		fmt.Fprintf(out, "%s %s, newest %s\n", out.Label("backups:"), count, backups[0])
	}

	if !c.Chunks || !hasDelta || err != nil {
		return nil
	}

	info, err := disk.InspectDelta(img.DeltaPath(), img.Pages())
	if err != nil {
		return err
	}

	for _, ch := range info.Chunks {
		fmt.Fprintf(out, "  chunk %5d pages %016b\n", ch.Chunk, ch.Pages)
	}

	return nil
}

func (q *TimeQueryCMD) Run(out *Output) error {
	offset, err := ParseGMTOffset(q.GMTOffset)
	if err != nil {
		return err
	}

	id, err := ParseProcessorID(q.ProcessorID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.Timeout)
	defer cancel()

	tr, err := q.transport(ctx, offset)
	if err != nil {
		return err
	}
	defer tr.Close()

	ready := make(chan struct{}, 1)
	tr.SetNotifier(func() {
		select {
		case ready <- struct{}{}:
		default:
		}
	})

	exchange := uint32(time.Now().UnixNano())
	if !tr.Enqueue(timesvc.Request(id, exchange)) {
		return errNotQueued
	}

	buf := make([]byte, packet.MaxSize)

	for {
		for {
			n, ok := tr.Dequeue(buf)
			if !ok {
				break
			}

			if a, ok := timesvc.ParseReply(buf[:n]); ok && a.ExchangeID == exchange {
				printAnswer(out, a)

				return nil
			}
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return fmt.Errorf("no time reply: %w", ctx.Err())
		}
	}
}

func (q *TimeQueryCMD) transport(ctx context.Context, offset int) (network.Transport, error) {
	if q.Hub == "" {
		return timesvc.New(offset), nil
	}

	return hub.Dial(ctx, q.Hub, hub.Options{})
}

func printAnswer(out *Output, a timesvc.Answer) {
	dir := "west"
	if a.East {
		dir = "east"
	}

	fmt.Fprintf(out, "%s %s\n", out.Label("time:"), out.Good(a.Time.UTC().Format(time.RFC1123)))
	fmt.Fprintf(out, "%s %s %d:%02d\n", out.Label("zone:"), dir, a.OffsetHours, a.OffsetMinutes)
	fmt.Fprintf(out, "%s %v\n", out.Label("tolerance:"), a.Tolerance)
}
