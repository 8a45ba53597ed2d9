package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmorganca/stagediff/envconfig"
	"github.com/jmorganca/stagediff/format"
	"github.com/jmorganca/stagediff/ml"
	"github.com/jmorganca/stagediff/model"
	"github.com/jmorganca/stagediff/progress"
	"github.com/jmorganca/stagediff/weights"
)

// tensors lists every blob the network reads for the models directory's
// configuration.
func tensors(d weights.Dir) ([]weights.Tensor, error) {
	c, err := model.LoadConfig(d.ConfigPath())
	if err != nil {
		return nil, err
	}

	b, err := ml.NewBackend("cpu", ml.Options{})
	if err != nil {
		return nil, err
	}
	defer b.Close()

	return model.Tensors(c, b)
}

func PullHandler(cmd *cobra.Command, args []string) error {
	d := weights.Dir(envconfig.ModelsDir)
	ts, err := tensors(d)
	if err != nil {
		return err
	}

	f, err := weights.NewFetcher(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	missing := d.Missing(ts)
	fmt.Fprintf(cmd.OutOrStdout(), "pulling %d of %d files into %s\n", len(missing), len(ts), d.Bins())

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	bars := make(map[string]*progress.Bar)
	err = weights.Pull(cmd.Context(), f, d, ts, func(pp weights.PullProgress) {
		bar, ok := bars[pp.File]
		if !ok {
			bar = progress.NewBar(fmt.Sprintf("pulling %s", pp.File), pp.Total, pp.Completed)
			bars[pp.File] = bar
			p.Add(pp.File, bar)
		}

		bar.Set(pp.Completed)
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "success")
	return nil
}

func PrepareHandler(cmd *cobra.Command, _ []string) error {
	d := weights.Dir(envconfig.ModelsDir)
	ts, err := tensors(d)
	if err != nil {
		return err
	}

	written, err := weights.WriteDerived(d, ts)
	if err != nil {
		return err
	}

	var params uint64
	for _, t := range ts {
		params += uint64(t.Elems())
	}

	table := newTable(cmd.OutOrStdout(), "WROTE", "ELEMENTS")
	for _, t := range written {
		table.Append([]string{d.Path(t), format.HumanNumber(uint64(t.Elems()))})
	}
	table.Render()

	missing := d.Missing(ts)
	fmt.Fprintf(cmd.OutOrStdout(), "%d tensors, %s parameters, %d missing\n", len(ts), format.HumanNumber(params), len(missing))
	for _, t := range missing {
		fmt.Fprintf(cmd.OutOrStdout(), "  missing %s\n", d.Path(t))
	}
	return nil
}
