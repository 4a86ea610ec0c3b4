/*
Copyright © 2018-2023 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fengjixuchui/IDASignMaker/internal/utils"
	"github.com/fengjixuchui/IDASignMaker/pkg/elfobj"
	"github.com/fengjixuchui/IDASignMaker/pkg/pat"
	"github.com/fengjixuchui/IDASignMaker/pkg/relocmask"
)

func init() {
	rootCmd.AddCommand(patCmd)

	patCmd.Flags().StringP("output", "o", "", "output pattern file (default is stdout)")
	patCmd.Flags().StringP("table", "t", "", "relocation mask table file (default is the built-in table)")
	patCmd.Flags().IntP("workers", "j", 0, "number of extraction workers (default is GOMAXPROCS)")
	patCmd.Flags().VisitAll(func(f *pflag.Flag) {
		viper.BindPFlag("pat."+f.Name, f)
	})
	patCmd.MarkZshCompPositionalArgumentFile(1)
}

// objectSource is the view of a parsed object the pat command needs;
// satisfied by *elfobj.Object.
type objectSource interface {
	Machine() uint16
	BigEndian() bool
	Functions() []pat.FunctionRecord
}

// emitPatterns runs one object through the engine and queues the resulting
// patterns. On cancellation the patterns encoded so far are still queued and
// the context's error is returned, so the caller can flush partial output.
func emitPatterns(ctx context.Context, emitter *pat.Emitter, table *relocmask.Table, src objectSource, workers int) ([]*pat.Pattern, *pat.Diagnostics, error) {
	g := pat.NewGenerator(table, src.Machine(), src.BigEndian(), workers)
	patterns, diag, err := g.Generate(ctx, src.Functions())
	for _, p := range patterns {
		emitter.Add(p)
	}
	return patterns, diag, err
}

// patCmd represents the pat command
var patCmd = &cobra.Command{
	Use:   "pat <object.o>...",
	Short: "Extract signature patterns from ELF relocatable objects",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {

		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		table, err := loadTable(viper.GetString("pat.table"))
		if err != nil {
			return err
		}

		var out io.Writer = os.Stdout
		if output := viper.GetString("pat.output"); output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create pattern file: %v", err)
			}
			defer f.Close()
			out = f
		}

		emitter := pat.NewEmitter(out)

		var total, skipped, degraded int
		var totalBytes uint64

		for _, arg := range args {
			objPath := filepath.Clean(arg)
			if _, err := os.Stat(objPath); os.IsNotExist(err) {
				return fmt.Errorf("file %s does not exist", objPath)
			}

			o, err := elfobj.Open(objPath)
			if err != nil {
				return err
			}

			log.WithFields(log.Fields{
				"object":  objPath,
				"machine": o.Machine(),
			}).Info("Extracting patterns")

			patterns, diag, genErr := emitPatterns(cmd.Context(), emitter, table, o, viper.GetInt("pat.workers"))
			o.Close()

			for _, p := range patterns {
				totalBytes += uint64(p.Length)
			}
			for _, issue := range diag.Skipped() {
				utils.Indent(log.WithFields(log.Fields{
					"function": issue.Function,
					"reason":   issue.Detail,
				}).Warn, 2)("Skipped")
			}
			for _, issue := range diag.Degraded() {
				utils.Indent(log.WithFields(log.Fields{
					"function": issue.Function,
					"reason":   issue.Detail,
				}).Debug, 2)("Degraded masking")
			}

			total += diag.Processed()
			skipped += len(diag.Skipped())
			degraded += len(diag.Degraded())

			// a cancelled run stops here but still flushes what it has
			if genErr != nil {
				if ferr := emitter.Flush(); ferr != nil {
					log.WithError(ferr).Error("failed to flush partial pattern file")
				}
				return genErr
			}
		}

		if err := emitter.Flush(); err != nil {
			return fmt.Errorf("failed to write pattern file: %v", err)
		}

		log.WithFields(log.Fields{
			"patterns": total,
			"skipped":  skipped,
			"degraded": degraded,
			"code":     humanize.Bytes(totalBytes),
		}).Info("Pattern STATS")

		return nil
	},
}

func loadTable(path string) (*relocmask.Table, error) {
	if path == "" {
		return relocmask.Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mask table: %v", err)
	}
	defer f.Close()
	table, err := relocmask.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load mask table %s: %v", path, err)
	}
	return table, nil
}
