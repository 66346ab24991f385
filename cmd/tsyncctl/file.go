// ABOUTME: tsync file commands
// ABOUTME: info, dump and verify operate on files written by the synchronizers
package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/syntalos/tsync-go/pkg/tsyncfile"
	"github.com/urfave/cli/v2"
)

var infoCommand = &cli.Command{
	Name:      "info",
	Usage:     "prints the header of a tsync file",
	ArgsUsage: "<file>",
	Action:    showInfo,
}

var dumpCommand = &cli.Command{
	Name:      "dump",
	Usage:     "prints all time pairs of a tsync file",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "format",
			Usage: "output format, text or csv",
			Value: "text",
		},
		&cli.BoolFlag{
			Name:  "no-header",
			Usage: "omit the column header",
		},
	},
	Action: dumpFile,
}

var verifyCommand = &cli.Command{
	Name:      "verify",
	Usage:     "checks a tsync file for damage and time going backwards",
	ArgsUsage: "<file>",
	Action:    verifyFile,
}

// openFile reads the file named by the first argument. A file lacking its
// end marker still yields the records read so far along with the error.
func openFile(c *cli.Context) (tsyncfile.Header, []tsyncfile.Record, error) {
	return tsyncfile.ReadFile(c.Args().First())
}

func showInfo(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowSubcommandHelp(c)
	}
	hdr, recs, err := openFile(c)
	if err != nil && !errors.Is(err, tsyncfile.ErrTruncated) {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "File:          %s\n", c.Args().First())
	fmt.Fprintf(w, "Version:       %d\n", hdr.Version)
	fmt.Fprintf(w, "Created:       %s\n", hdr.CreationTime.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "Module:        %s\n", hdr.ModuleName)
	fmt.Fprintf(w, "Collection:    %s\n", hdr.CollectionID)
	fmt.Fprintf(w, "Mode:          %s\n", hdr.Mode)
	fmt.Fprintf(w, "Tolerance:     %s\n", hdr.Tolerance)
	fmt.Fprintf(w, "Block size:    %d\n", hdr.BlockSize)
	for i := range hdr.TimeNames {
		fmt.Fprintf(w, "Column %d:      %s [%s, %s]\n", i+1, hdr.TimeNames[i], hdr.TimeUnits[i], hdr.DataTypes[i])
	}
	fmt.Fprintf(w, "Records:       %d\n", len(recs))
	if len(recs) > 0 {
		fmt.Fprintf(w, "First:         %d / %d\n", recs[0].Master, recs[0].Secondary)
		last := recs[len(recs)-1]
		fmt.Fprintf(w, "Last:          %d / %d\n", last.Master, last.Secondary)
	}
	if err != nil {
		fmt.Fprintf(w, "Warning:       %v\n", err)
	}
	return nil
}

func dumpFile(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowSubcommandHelp(c)
	}
	hdr, recs, err := openFile(c)
	if err != nil && !errors.Is(err, tsyncfile.ErrTruncated) {
		return err
	}

	var werr error
	switch c.String("format") {
	case "text":
		werr = writeText(c.App.Writer, hdr, recs, !c.Bool("no-header"))
	case "csv":
		werr = writeCSV(c.App.Writer, hdr, recs, !c.Bool("no-header"))
	default:
		return fmt.Errorf("unknown format %q", c.String("format"))
	}
	if werr != nil {
		return werr
	}
	if err != nil {
		fmt.Fprintf(c.App.ErrWriter, "warning: %v\n", err)
	}
	return nil
}

func columnNames(hdr tsyncfile.Header) [2]string {
	var names [2]string
	for i := range names {
		names[i] = fmt.Sprintf("%s (%s)", hdr.TimeNames[i], hdr.TimeUnits[i])
	}
	return names
}

func writeText(w io.Writer, hdr tsyncfile.Header, recs []tsyncfile.Record, header bool) error {
	if header {
		names := columnNames(hdr)
		if _, err := fmt.Fprintf(w, "%s\t%s\n", names[0], names[1]); err != nil {
			return err
		}
	}
	for _, r := range recs {
		if _, err := fmt.Fprintf(w, "%d\t%d\n", r.Master, r.Secondary); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(w io.Writer, hdr tsyncfile.Header, recs []tsyncfile.Record, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		names := columnNames(hdr)
		if err := cw.Write(names[:]); err != nil {
			return err
		}
	}
	for _, r := range recs {
		row := []string{strconv.FormatInt(r.Master, 10), strconv.FormatInt(r.Secondary, 10)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// verifyReport summarizes the time pairs of a file
type verifyReport struct {
	Records            int
	MasterBackwards    int
	SecondaryBackwards int
	MinOffset          int64
	MaxOffset          int64
}

func (r verifyReport) ok() bool {
	return r.MasterBackwards == 0 && r.SecondaryBackwards == 0
}

// analyzeRecords checks that both columns never decrease and tracks the
// range of master minus secondary
func analyzeRecords(recs []tsyncfile.Record) verifyReport {
	rep := verifyReport{Records: len(recs)}
	if len(recs) == 0 {
		return rep
	}

	rep.MinOffset = math.MaxInt64
	rep.MaxOffset = math.MinInt64
	for i, r := range recs {
		off := r.Master - r.Secondary
		rep.MinOffset = min(rep.MinOffset, off)
		rep.MaxOffset = max(rep.MaxOffset, off)
		if i == 0 {
			continue
		}
		if r.Master < recs[i-1].Master {
			rep.MasterBackwards++
		}
		if r.Secondary < recs[i-1].Secondary {
			rep.SecondaryBackwards++
		}
	}
	return rep
}

func verifyFile(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowSubcommandHelp(c)
	}
	path := c.Args().First()
	if _, err := os.Stat(path); err != nil {
		return err
	}

	hdr, recs, err := openFile(c)
	rep := analyzeRecords(recs)

	w := c.App.Writer
	fmt.Fprintf(w, "%s: module %s, %d records\n", path, hdr.ModuleName, rep.Records)
	if rep.Records > 0 {
		fmt.Fprintf(w, "offset range: %d .. %d (spread %d)\n", rep.MinOffset, rep.MaxOffset, rep.MaxOffset-rep.MinOffset)
	}
	if rep.MasterBackwards > 0 {
		fmt.Fprintf(w, "master time goes backwards %d times\n", rep.MasterBackwards)
	}
	if rep.SecondaryBackwards > 0 {
		fmt.Fprintf(w, "secondary time goes backwards %d times\n", rep.SecondaryBackwards)
	}

	if err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}
	if !rep.ok() {
		return fmt.Errorf("verify %s: timestamps are not monotonic", path)
	}
	fmt.Fprintln(w, "OK")
	return nil
}
