// Sdhci-sim runs card block traffic from a disk image through the driver
// core, backed by the register level controller model.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	diskfs "github.com/diskfs/go-diskfs"

	"github.com/hostio/sdhci/sdhci"
	"github.com/hostio/sdhci/sdhcireg"
	"github.com/hostio/sdhci/sim"
)

func must[T any](ret T, err error) T {
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	return ret
}

const usageString = `SDHCI driver exerciser.

Usage:

	%s [flags] <command> [arguments]

The commands are:

	info <image>             print the image geometry and partition table
	read <image> <lba> <n>   read n blocks of the image through the driver

`

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), usageString, os.Args[0])
	flag.PrintDefaults()
}

var verbose = flag.Bool("v", false, "log the driver's register traffic")

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "info":
		if flag.NArg() < 2 {
			flag.Usage()
			os.Exit(1)
		}
		info(flag.Arg(1))
	case "read":
		if flag.NArg() < 4 {
			flag.Usage()
			os.Exit(1)
		}
		lba := must(strconv.ParseUint(flag.Arg(2), 0, 32))
		count := must(strconv.ParseUint(flag.Arg(3), 0, 16))
		read(flag.Arg(1), uint32(lba), uint16(count))
	default:
		fmt.Fprintf(flag.CommandLine.Output(), "%s: unknown command\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
}

func info(image string) {
	d := must(diskfs.Open(image, diskfs.WithOpenMode(diskfs.ReadOnly)))
	defer d.Close()

	fmt.Printf("%s: %d bytes, %d byte blocks\n", image, d.Size, d.LogicalBlocksize)

	table, err := d.GetPartitionTable()
	if err != nil {
		fmt.Println("no partition table")
		return
	}
	fmt.Printf("partition table: %s\n", table.Type())
	for i, p := range table.GetPartitions() {
		fmt.Printf("  %d: start %d, %d bytes\n", i+1, p.GetStart(), p.GetSize())
	}
}

const blockSize = 512

func read(image string, lba uint32, count uint16) {
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// The image is the card.
	mem := sim.NewMem()
	hw := sim.New(mem, sim.Options{})
	hw.SetCard(must(os.ReadFile(image)))

	c := must(sdhci.New(sdhci.Config{
		Regs:       hw,
		Interrupt:  hw,
		DescRegion: mem.NewRegion(sdhci.DescCount * sdhci.DescSize),
		Log:        log,
	}))
	defer c.Close()

	cmd := sdhci.Command(17<<sdhcireg.CmdIdxShift |
		sdhcireg.RespLen48 | sdhcireg.CmdCRCCheck | sdhcireg.CmdIdxCheck |
		sdhcireg.CmdDataPresent | sdhcireg.CmdRead)
	if count > 1 {
		cmd = 18<<sdhcireg.CmdIdxShift |
			sdhcireg.RespLen48 | sdhcireg.CmdCRCCheck | sdhcireg.CmdIdxCheck |
			sdhcireg.CmdDataPresent | sdhcireg.CmdRead |
			sdhcireg.CmdMultiBlk | sdhcireg.CmdBlkCntEnable
	}

	data := make([]byte, int(count)*blockSize)
	done := make(chan struct{})
	req := &sdhci.Request{
		Cmd:        cmd,
		Arg:        lba,
		BlockSize:  blockSize,
		BlockCount: count,
		Buffer:     mem.NewBuffer(data),
		Done:       func(*sdhci.Request) { close(done) },
	}
	must(0, c.Submit(req))
	<-done

	if req.Status != nil {
		must(0, fmt.Errorf("read failed: %w", req.Status))
	}

	dump := hex.Dumper(os.Stdout)
	must(dump.Write(data))
	must(0, dump.Close())
}
