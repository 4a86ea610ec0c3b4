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
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fengjixuchui/IDASignMaker/pkg/relocmask"
)

func init() {
	rootCmd.AddCommand(masksCmd)

	masksCmd.Flags().Uint16P("machine", "m", 0, "only dump rules for the given e_machine value")
}

// masksCmd represents the masks command
var masksCmd = &cobra.Command{
	Use:   "masks",
	Short: "Dump the built-in relocation mask table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {

		color.NoColor = !Color

		table := relocmask.Default()

		machines := table.Machines()
		if m, _ := cmd.Flags().GetUint16("machine"); m != 0 {
			if table.Rules(m) == nil {
				return fmt.Errorf("machine %d is not in the mask table", m)
			}
			machines = []uint16{m}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()

		bold := color.New(color.Bold).SprintFunc()
		for _, machine := range machines {
			fmt.Fprintf(w, "%s\n", bold(fmt.Sprintf("machine %d", machine)))
			fmt.Fprintln(w, "KIND\tOFF(LE)\tOFF(BE)\tLEN")
			for _, rule := range table.Rules(machine) {
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", rule.Kind, rule.OffsetLE, rule.OffsetBE, rule.Length)
			}
			fmt.Fprintln(w)
		}

		return nil
	},
}
