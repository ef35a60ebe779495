package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/errkind"
)

// cmdList prints the installed images with their activation state.
func (a *app) cmdList(args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
	headerless := flags.BoolP("headerless", "H", false, "omit the header line")
	if err := flags.Parse(args); err != nil {
		return errkind.User("usage: poolboot list [-H] [pool]")
	}
	pool, err := poolArg(flags.Args())
	if err != nil {
		return err
	}

	fs, err := a.selectFS(pool)
	if err != nil {
		return err
	}
	entries, err := bootfs.List(fs)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	if !*headerless {
		fmt.Fprintln(w, "IMAGE STAMP\tBOOT IMAGE\tACTIVE NOW\tACTIVE NEXT")
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Stamp, mark(e.HasBoot, "available", "none"),
			mark(e.ActiveNow, "yes", "no"), mark(e.ActiveNext, "yes", "no"))
	}
	return w.Flush()
}

func mark(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}
