package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorganca/stagediff/envconfig"
	"github.com/jmorganca/stagediff/tokenizer"
	"github.com/jmorganca/stagediff/weights"
)

func TokenizeHandler(cmd *cobra.Command, args []string) error {
	tok, err := tokenizer.Open(weights.Dir(envconfig.ModelsDir).VocabPath())
	if err != nil {
		return err
	}

	ids, dropped, err := tok.Encode(strings.Join(args, " "))
	if err != nil {
		return err
	}

	eos := tok.Vocabulary().EOS()
	pieces := tok.Tokens(ids)

	table := newTable(cmd.OutOrStdout(), "POS", "ID", "PIECE")
	for i, id := range ids {
		// padding repeats the end id
		if i > 0 && id == eos && ids[i-1] == eos {
			break
		}
		table.Append([]string{strconv.Itoa(i), strconv.Itoa(int(id)), pieces[i]})
	}
	table.Render()

	if dropped > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "warning: %d tokens past the %d token limit were dropped\n", dropped, tokenizer.MaxContent)
	}
	return nil
}
